package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/omega/pkg/types"
)

// handleSlashCommand implements the CLI slash commands (spec.md 6). An
// unrecognized /xyz returns handled=false so it falls through to the
// provider, per spec.
func (p *Pipeline) handleSlashCommand(ctx context.Context, msg types.IncomingMessage, canonicalID, text string) (reply string, handled bool) {
	fields := strings.Fields(text)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/status":
		return "Omega gateway is running.", true

	case "/memory", "/history":
		project, _ := p.Store.ActiveProject(ctx, canonicalID)
		conv, err := p.Store.OpenOrFetchConversation(ctx, msg.Channel, canonicalID, project)
		if err != nil {
			return "Could not load history.", true
		}
		hist, err := p.Store.RecentHistory(ctx, conv.ID, p.Cfg.HistoryWindow)
		if err != nil {
			return "Could not load history.", true
		}
		var b strings.Builder
		for _, h := range hist {
			fmt.Fprintf(&b, "%s: %s\n", h.Role, h.Text)
		}
		if b.Len() == 0 {
			return "No history yet.", true
		}
		return b.String(), true

	case "/facts":
		facts, err := p.Store.LoadFacts(ctx, canonicalID)
		if err != nil || len(facts) == 0 {
			return "No facts stored.", true
		}
		var b strings.Builder
		for k, v := range facts {
			fmt.Fprintf(&b, "%s = %s\n", k, v)
		}
		return b.String(), true

	case "/forget":
		project, _ := p.Store.ActiveProject(ctx, canonicalID)
		conv, err := p.Store.OpenOrFetchConversation(ctx, msg.Channel, canonicalID, project)
		if err == nil {
			_ = p.Store.CloseConversation(ctx, conv.ID, "")
		}
		p.Sessions.Clear(msg.Channel, canonicalID)
		return "Conversation forgotten.", true

	case "/tasks":
		tasks, err := p.Store.PendingTasks(ctx, canonicalID)
		if err != nil || len(tasks) == 0 {
			return "No pending tasks.", true
		}
		var b strings.Builder
		for _, t := range tasks {
			fmt.Fprintf(&b, "[%d] %s (due %s)\n", t.ID, t.Description, t.DueAt.Format("2006-01-02 15:04"))
		}
		return b.String(), true

	case "/cancel":
		if len(args) == 0 {
			return "Usage: /cancel <id_prefix>", true
		}
		id, ok, err := p.Store.CancelTaskByPrefix(ctx, canonicalID, args[0])
		if err != nil {
			return "Could not cancel task.", true
		}
		if !ok {
			return fmt.Sprintf("No pending task matching %q", args[0]), true
		}
		return fmt.Sprintf("Cancelled task #%d", id), true

	case "/language":
		if len(args) == 0 {
			facts, _ := p.Store.LoadFacts(ctx, canonicalID)
			return "Current language: " + facts["preferred_language"], true
		}
		_ = p.Store.UpsertFact(ctx, canonicalID, "preferred_language", args[0], "slash_command")
		return "Language set to " + args[0], true

	case "/projects":
		project, _ := p.Store.ActiveProject(ctx, canonicalID)
		if project == "" {
			return "No active project.", true
		}
		return "Active project: " + project, true

	case "/project":
		if len(args) == 0 || args[0] == "off" {
			_ = p.Store.SetActiveProject(ctx, canonicalID, "")
			return "Project deactivated.", true
		}
		_ = p.Store.SetActiveProject(ctx, canonicalID, args[0])
		return "Project set to " + args[0], true

	case "/skills":
		if len(p.Context.Skills) == 0 {
			return "No skills loaded.", true
		}
		var b strings.Builder
		for _, s := range p.Context.Skills {
			fmt.Fprintf(&b, "- %s\n", s.Name)
		}
		return b.String(), true

	case "/purge":
		if err := p.Store.PurgeFacts(ctx, canonicalID); err != nil {
			return "Could not purge facts.", true
		}
		return "All facts purged.", true

	case "/help":
		return "Commands: /status /memory /history /facts /forget /tasks /cancel /language /projects /project /skills /purge /help", true
	}

	return "", false
}
