// Package memvec is the semantic memory layer: a chromem-go vector store
// holding two collections (conversation turns and extracted knowledge
// facts), searched by cosine similarity and merged with pkg/store's FTS5
// keyword search in the context builder's recall step (spec.md 4.4).
//
// Adapted from the teacher's pkg/memory/vectorstore.go, keeping its
// two-collection shape and provenance-aware formatting, with "specialist"
// scoping renamed to "project" scoping to match spec.md's project concept.
package memvec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/sipeed/omega/pkg/logger"
)

// Result is a single search hit from the vector store.
type Result struct {
	ID           string  `json:"id"`
	Content      string  `json:"content"`
	Score        float32 `json:"score"`
	Timestamp    string  `json:"timestamp"`
	Category     string  `json:"category,omitempty"`
	Source       string  `json:"source"` // "conversations" | "knowledge"
	Channel      string  `json:"channel,omitempty"`
	Project      string  `json:"project,omitempty"`
	SourceType   string  `json:"source_type,omitempty"`
	SourceName   string  `json:"source_name,omitempty"`
	SourcePerson string  `json:"source_person,omitempty"`
}

// KnowledgeOpts holds optional metadata for project-scoped knowledge.
type KnowledgeOpts struct {
	Project      string
	SourceType   string
	SourceName   string
	SourcePerson string
}

// Store wraps chromem-go with two collections: conversations and knowledge.
type Store struct {
	db            *chromem.DB
	conversations *chromem.Collection
	knowledge     *chromem.Collection
}

// Open initializes a persistent vector DB at workspace/memory/vectors/.
func Open(workspacePath string, embeddingFn chromem.EmbeddingFunc) (*Store, error) {
	dbPath := filepath.Join(workspacePath, "memory", "vectors")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	db, err := chromem.NewPersistentDB(dbPath, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}

	conversations, err := db.GetOrCreateCollection("conversations", nil, embeddingFn)
	if err != nil {
		return nil, fmt.Errorf("create conversations collection: %w", err)
	}
	knowledge, err := db.GetOrCreateCollection("knowledge", nil, embeddingFn)
	if err != nil {
		return nil, fmt.Errorf("create knowledge collection: %w", err)
	}

	logger.InfoCF("memvec", "vector store initialized", map[string]interface{}{
		"path": dbPath, "conversations": conversations.Count(), "knowledge": knowledge.Count(),
	})

	return &Store{db: db, conversations: conversations, knowledge: knowledge}, nil
}

// IndexConversation embeds one turn into the conversations collection.
func (s *Store) IndexConversation(ctx context.Context, senderID, channel, userMsg, assistantMsg string) {
	ts := time.Now()
	docID := fmt.Sprintf("%s:%d", senderID, ts.UnixNano())
	content := fmt.Sprintf("User: %s\nAssistant: %s", userMsg, assistantMsg)

	if runes := []rune(content); len(runes) > 8000 {
		content = string(runes[:8000])
	}

	doc := chromem.Document{
		ID:      docID,
		Content: content,
		Metadata: map[string]string{
			"sender_id": senderID,
			"channel":   channel,
			"timestamp": ts.Format(time.RFC3339),
		},
	}
	if err := s.conversations.AddDocument(ctx, doc); err != nil {
		logger.WarnCF("memvec", "failed to index conversation", map[string]interface{}{"error": err.Error()})
	}
}

// IndexKnowledge adds or updates a fact in the knowledge collection. An
// empty docID mints a new one; a caller-supplied docID overwrites in place,
// giving the extractor's UPDATE decision a stable target.
func (s *Store) IndexKnowledge(ctx context.Context, docID, fact, category string, opts KnowledgeOpts) (string, error) {
	if docID == "" {
		docID = fmt.Sprintf("k:%d", time.Now().UnixNano())
	}
	metadata := map[string]string{
		"category":   category,
		"updated_at": time.Now().Format(time.RFC3339),
	}
	if opts.Project != "" {
		metadata["project"] = opts.Project
	}
	if opts.SourceType != "" {
		metadata["source_type"] = opts.SourceType
	}
	if opts.SourceName != "" {
		metadata["source_name"] = opts.SourceName
	}
	if opts.SourcePerson != "" {
		metadata["source_person"] = opts.SourcePerson
	}

	doc := chromem.Document{ID: docID, Content: fact, Metadata: metadata}
	if err := s.knowledge.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("index knowledge: %w", err)
	}
	return docID, nil
}

// DeleteKnowledge removes a fact, used by the extractor's DELETE decision.
func (s *Store) DeleteKnowledge(ctx context.Context, docID string) error {
	if err := s.knowledge.Delete(ctx, nil, nil, docID); err != nil {
		return fmt.Errorf("delete knowledge %s: %w", docID, err)
	}
	return nil
}

// SearchConversations searches conversation history, scoped to senderID
// (empty searches every sender's turns).
func (s *Store) SearchConversations(ctx context.Context, senderID, query string, limit int) ([]Result, error) {
	if s.conversations.Count() == 0 {
		return nil, nil
	}
	if limit > s.conversations.Count() {
		limit = s.conversations.Count()
	}
	var where map[string]string
	if senderID != "" {
		where = map[string]string{"sender_id": senderID}
	}
	results, err := s.conversations.Query(ctx, query, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	var out []Result
	for _, r := range results {
		out = append(out, Result{
			ID: r.ID, Content: r.Content, Score: r.Similarity,
			Timestamp: r.Metadata["timestamp"], Channel: r.Metadata["channel"], Source: "conversations",
		})
	}
	return out, nil
}

// SearchKnowledge searches knowledge scoped to project; project="" searches
// globally. When project is set, project-scoped hits rank first and global
// hits backfill up to limit (a shared-blackboard effect for cross-project facts).
func (s *Store) SearchKnowledge(ctx context.Context, query string, limit int, project string) ([]Result, error) {
	if s.knowledge.Count() == 0 {
		return nil, nil
	}
	if project == "" {
		return s.searchKnowledge(ctx, query, limit, nil)
	}

	scoped, err := s.searchKnowledge(ctx, query, limit, map[string]string{"project": project})
	if err != nil {
		return nil, err
	}
	if len(scoped) < limit {
		global, _ := s.searchKnowledge(ctx, query, limit-len(scoped), nil)
		seen := make(map[string]bool, len(scoped))
		for _, r := range scoped {
			seen[r.ID] = true
		}
		for _, r := range global {
			if !seen[r.ID] {
				scoped = append(scoped, r)
			}
		}
	}
	return scoped, nil
}

func (s *Store) searchKnowledge(ctx context.Context, query string, limit int, where map[string]string) ([]Result, error) {
	if limit > s.knowledge.Count() {
		limit = s.knowledge.Count()
	}
	if limit <= 0 {
		return nil, nil
	}
	results, err := s.knowledge.Query(ctx, query, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	var out []Result
	for _, r := range results {
		out = append(out, Result{
			ID: r.ID, Content: r.Content, Score: r.Similarity,
			Timestamp: r.Metadata["updated_at"], Category: r.Metadata["category"], Source: "knowledge",
			Project: r.Metadata["project"], SourceType: r.Metadata["source_type"],
			SourceName: r.Metadata["source_name"], SourcePerson: r.Metadata["source_person"],
		})
	}
	return out, nil
}

// Search queries both collections and merges by descending score. project
// scopes the knowledge half of the search; senderID scopes the conversation half.
func (s *Store) Search(ctx context.Context, senderID, query string, limit int, project string) ([]Result, error) {
	conv, err := s.SearchConversations(ctx, senderID, query, limit)
	if err != nil {
		logger.WarnCF("memvec", "conversation search failed", map[string]interface{}{"error": err.Error()})
	}
	know, err := s.SearchKnowledge(ctx, query, limit, project)
	if err != nil {
		logger.WarnCF("memvec", "knowledge search failed", map[string]interface{}{"error": err.Error()})
	}
	all := append(conv, know...)
	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// FormatResults renders search results for inclusion in a system prompt's
// Meta section.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No memories found."
	}
	var knowledge, conv []Result
	for _, r := range results {
		if r.Source == "knowledge" {
			knowledge = append(knowledge, r)
		} else {
			conv = append(conv, r)
		}
	}

	var b strings.Builder
	if len(knowledge) > 0 {
		b.WriteString("## Knowledge\n")
		for _, r := range knowledge {
			cat := ""
			if r.Category != "" {
				cat = fmt.Sprintf(" (%s)", r.Category)
			}
			fmt.Fprintf(&b, "- %s %s%s\n", provenance(r), r.Content, cat)
		}
	}
	if len(conv) > 0 {
		if len(knowledge) > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Conversations\n")
		for _, r := range conv {
			preview := r.Content
			if runes := []rune(preview); len(runes) > 200 {
				preview = string(runes[:200]) + "..."
			}
			fmt.Fprintf(&b, "- [%s, %s] %s\n", formatDate(r.Timestamp), r.Channel, preview)
		}
	}
	return b.String()
}

func provenance(r Result) string {
	var parts []string
	parts = append(parts, formatDate(r.Timestamp))
	switch {
	case r.SourcePerson != "" && r.SourceType != "":
		parts = append(parts, fmt.Sprintf("%s via %s", r.SourcePerson, r.SourceType))
	case r.SourcePerson != "":
		parts = append(parts, r.SourcePerson)
	case r.SourceName != "":
		parts = append(parts, r.SourceName)
	case r.SourceType != "":
		parts = append(parts, r.SourceType)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatDate(ts string) string {
	if ts == "" {
		return "unknown"
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02")
}
