package specialists

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/memvec"
	"github.com/sipeed/omega/pkg/provider"
	"github.com/sipeed/omega/pkg/types"
)

const reviewPrompt = `You are reviewing recent interactions for the specialist "%s".

Below are recent knowledge entries extracted from conversations involving this specialist. Analyze them and produce self-improvement notes:

1. What patterns are you seeing in the questions/requests?
2. What knowledge gaps did you notice?
3. What could you do better next time?
4. Any recurring topics or entities to track more closely?

Keep your notes concise and actionable (max 10 bullet points).

RECENT KNOWLEDGE:
%s

Write your self-improvement notes below:`

// Review analyzes recent project-scoped knowledge for one specialist and
// appends self-improvement notes to its LEARNINGS.md. Adapted from the
// teacher's ReviewSpecialist, retargeted from pkg/memory.VectorStore's
// specialist-scoped search to pkg/memvec.Store's project-scoped one (a
// specialist's name doubles as its project scope).
func Review(ctx context.Context, name string, p provider.Provider, store *memvec.Store, workspace string) error {
	if store == nil {
		return fmt.Errorf("vector store not available")
	}

	facts, err := store.SearchKnowledge(ctx, "recent interactions and consultations", 20, name)
	if err != nil {
		return fmt.Errorf("search specialist knowledge: %w", err)
	}

	if len(facts) == 0 {
		logger.InfoCF("specialist", "no recent knowledge for review", map[string]interface{}{"specialist": name})
		return nil
	}

	var factLines []string
	for _, f := range facts {
		factLines = append(factLines, fmt.Sprintf("- [%s] %s", f.Category, f.Content))
	}

	prompt := fmt.Sprintf(reviewPrompt, name, strings.Join(factLines, "\n"))

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	reply, _, err := p.Invoke(ctx, types.Context{UserText: prompt})
	if err != nil {
		return fmt.Errorf("review LLM call: %w", err)
	}

	learningsPath := filepath.Join(workspace, "specialists", name, "LEARNINGS.md")
	header := fmt.Sprintf("\n\n## Review — %s\n\n", time.Now().Format("2006-01-02"))

	f, err := os.OpenFile(learningsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open LEARNINGS.md: %w", err)
	}
	defer f.Close()

	f.WriteString(header)
	f.WriteString(strings.TrimSpace(reply.Text))
	f.WriteString("\n")

	logger.InfoCF("specialist", "review completed", map[string]interface{}{"specialist": name, "facts_reviewed": len(facts)})
	return nil
}

// ReviewAll runs Review for every specialist in the catalog.
func ReviewAll(ctx context.Context, loader *Loader, p provider.Provider, store *memvec.Store, workspace string) {
	for _, s := range loader.List() {
		if err := Review(ctx, s.Name, p, store, workspace); err != nil {
			logger.WarnCF("specialist", "review failed", map[string]interface{}{"specialist": s.Name, "error": err.Error()})
		}
	}
}
