// Package context assembles the Context handed to a Provider: a system
// prompt built from six gated sections, conversation history, facts, and
// lessons, per spec.md 4.1 stage 7 / 4.3. Adapted from the teacher's
// pkg/agent/context.go ContextBuilder, generalized from its fixed section
// list to the spec's Identity/Soul/System/Scheduling/Projects/Meta split.
package context

import (
	gocontext "context"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/omega/pkg/memvec"
	"github.com/sipeed/omega/pkg/types"
)

// Store is the subset of pkg/store.Store the context builder needs.
type Store interface {
	LoadFacts(ctx gocontext.Context, senderID string) (map[string]string, error)
	PendingTasks(ctx gocontext.Context, senderID string) ([]types.ScheduledTask, error)
	SearchHistoryFTS(ctx gocontext.Context, senderID, query string, k int) ([]string, error)
	RecentOutcomes(ctx gocontext.Context, senderID, project string, k int) ([]types.Outcome, error)
	LoadLessons(ctx gocontext.Context, senderID, project string) ([]types.Lesson, error)
}

// Skill is a loaded skill catalog entry; Trigger is a pipe-separated
// keyword list matched case-insensitively against user text (spec.md 4.1
// stage 8).
type Skill struct {
	Name       string
	Trigger    string
	McpServer  string
	SystemNote string // surfaced passively in the Meta section
}

// Specialist is a catalog entry surfaced passively in the Meta section
// (folded in from the teacher's pkg/specialists rather than invented as a
// new marker/tool-call type, since spec.md's marker table is closed).
type Specialist struct {
	Name        string
	Description string
}

var (
	schedulingKeywords = []string{"schedule", "remind", "timer", "reminder"}
	projectsKeywords   = []string{"remember", "earlier", "before", "recall", "past"}
	metaKeywords       = []string{"did you", "was it", "helpful", "useful"}
)

func matchesAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Builder assembles Context values for the pipeline.
type Builder struct {
	Store       Store
	Vec         *memvec.Store // optional; nil disables semantic recall
	Identity    string        // fixed identity section text
	Soul        string        // fixed personality/soul section text
	SystemNote  string        // fixed operating-rules section text
	HistoryN    int
	Skills      []Skill
	Specialists []Specialist
}

// Request groups the inputs the pipeline already resolved before calling Build.
type Request struct {
	SenderID    string
	Project     string
	UserText    string
	History     []types.HistoryEntry // empty when continuing a CLI session
	SessionID   string                // set when continuing a CLI session
	Attachments []types.Attachment
}

// Build assembles the system prompt and returns the Context ready for a
// Provider call, with Context.McpServers holding the MCP servers unlocked
// by matched skill triggers (spec.md 4.1 stage 8).
func (b *Builder) Build(ctx gocontext.Context, req Request) (types.Context, error) {
	facts, err := b.Store.LoadFacts(ctx, req.SenderID)
	if err != nil {
		return types.Context{}, err
	}

	var sections []string
	sections = append(sections, b.Identity, b.Soul, b.SystemNote)

	// Always-included per spec.md 4.1 stage 7: last N history (handled by
	// the caller via req.History) and lessons. User facts are loaded above,
	// but only the "style" fact is rendered (below); other facts are not
	// added to the prompt.
	if lessons, err := b.Store.LoadLessons(ctx, req.SenderID, req.Project); err == nil && len(lessons) > 0 {
		sections = append(sections, renderLessons(lessons))
	}

	if matchesAny(req.UserText, schedulingKeywords) {
		tasks, err := b.Store.PendingTasks(ctx, req.SenderID)
		if err == nil && len(tasks) > 0 {
			sections = append(sections, renderScheduling(tasks))
		}
	}

	if matchesAny(req.UserText, projectsKeywords) {
		snippets, err := b.Store.SearchHistoryFTS(ctx, req.SenderID, req.UserText, 5)
		var semantic []memvec.Result
		if b.Vec != nil {
			semantic, _ = b.Vec.SearchConversations(ctx, req.SenderID, req.UserText, 5)
		}
		if (err == nil && len(snippets) > 0) || len(semantic) > 0 {
			sections = append(sections, renderProjects(req.Project, snippets, semantic))
		}
	}

	if matchesAny(req.UserText, metaKeywords) {
		outcomes, err := b.Store.RecentOutcomes(ctx, req.SenderID, req.Project, 15)
		if err == nil && len(outcomes) > 0 {
			sections = append(sections, renderMeta(outcomes, b.Specialists))
		}
	}

	if v, ok := facts["style"]; ok {
		sections = append(sections, "User preferred style: "+v)
	}

	var mcpServers []types.McpServer
	seen := map[string]bool{}
	lowerText := strings.ToLower(req.UserText)
	for _, s := range b.Skills {
		if s.McpServer == "" {
			continue
		}
		for _, kw := range strings.Split(s.Trigger, "|") {
			kw = strings.TrimSpace(strings.ToLower(kw))
			if kw != "" && strings.Contains(lowerText, kw) && !seen[s.McpServer] {
				mcpServers = append(mcpServers, types.McpServer{Name: s.McpServer})
				seen[s.McpServer] = true
			}
		}
	}

	c := types.Context{
		SystemPrompt: strings.Join(sections, "\n\n"),
		History:      req.History,
		UserText:     req.UserText,
		Attachments:  req.Attachments,
		SessionID:    req.SessionID,
		McpServers:   mcpServers,
		Project:      req.Project,
	}
	// Invariant: when SessionID is set, History must be empty.
	if c.SessionID != "" {
		c.History = nil
	}
	return c, nil
}

// BuildMinimalUpdate replaces the full system prompt with a minimal
// continuation update for an active CLI session (spec.md 4.1 stage 9):
// current time plus the sections Build adds beyond the fixed Identity/
// Soul/System text (lessons, the style fact, and whatever gated sections
// matched).
func (b *Builder) BuildMinimalUpdate(ctx gocontext.Context, req Request) (types.Context, error) {
	nb := *b
	nb.Identity, nb.Soul, nb.SystemNote = "", "", ""
	c, err := nb.Build(ctx, req)
	if err != nil {
		return types.Context{}, err
	}
	c.SystemPrompt = strings.TrimSpace(fmt.Sprintf("Current time: %s\n\n%s", time.Now().Format(time.RFC3339), strings.TrimSpace(c.SystemPrompt)))
	c.History = nil
	return c, nil
}

func renderScheduling(tasks []types.ScheduledTask) string {
	var b strings.Builder
	b.WriteString("## Scheduling\nPending tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%d] %s (due %s)\n", t.ID, t.Description, t.DueAt.Format(time.RFC3339))
	}
	return b.String()
}

func renderProjects(project string, snippets []string, semantic []memvec.Result) string {
	var b strings.Builder
	b.WriteString("## Projects\n")
	if project != "" {
		fmt.Fprintf(&b, "Active project: %s\n", project)
	}
	if len(snippets) > 0 {
		b.WriteString("Relevant past messages (keyword match):\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(semantic) > 0 {
		b.WriteString("Relevant past exchanges (semantic recall):\n")
		for _, r := range semantic {
			fmt.Fprintf(&b, "- [%s] %s\n", r.Timestamp, truncate(r.Content, 300))
		}
	}
	return b.String()
}

func renderLessons(lessons []types.Lesson) string {
	var b strings.Builder
	b.WriteString("## Lessons\n")
	for _, l := range lessons {
		fmt.Fprintf(&b, "- [%s] %s\n", l.Domain, l.Content)
	}
	return b.String()
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}

func renderMeta(outcomes []types.Outcome, specialists []Specialist) string {
	var b strings.Builder
	b.WriteString("## Meta\nRecent outcomes:\n")
	for _, o := range outcomes {
		fmt.Fprintf(&b, "- [%s] %s: signal=%d %s\n", o.Domain, o.CreatedAt.Format("2006-01-02"), o.Signal, o.Lesson)
	}
	if len(specialists) > 0 {
		b.WriteString("Available specialists:\n")
		for _, s := range specialists {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		}
	}
	return b.String()
}
