package memvec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/provider"
	"github.com/sipeed/omega/pkg/types"
)

// Extractor runs the Mem0-style extract -> search-similar -> decide pipeline
// that turns a conversation turn into durable knowledge facts. Adapted from
// the teacher's pkg/memory/extractor.go, with its specialist- and
// generic-extraction prompt pair folded into one project-scoped prompt.
type Extractor struct {
	Provider provider.Provider
	Store    *Store
}

// Fact is a single fact pulled out of a conversation turn.
type Fact struct {
	Fact     string `json:"fact"`
	Category string `json:"category"`
}

type consolidationAction struct {
	Action  string `json:"action"` // ADD, UPDATE, DELETE, NOOP
	FactID  string `json:"fact_id"`
	NewFact string `json:"new_fact"`
}

const extractionPrompt = `Extract key facts about the user from this conversation. Focus on:
- Biographical information (name, location, occupation, plans)
- Preferences and opinions
- Tasks, deadlines, goals
- Relationships (people mentioned)
- Important context (events, decisions, states)

Return a JSON array of facts. Each fact should be a self-contained statement.
If no meaningful facts can be extracted, return an empty array [].

Categories: biographical, preference, task, relationship, contextual

CONVERSATION:
User: %s
Assistant: %s

Return ONLY valid JSON, no markdown fences or explanation.`

// ExtractAndConsolidate runs the full pipeline for one conversation turn,
// scoped to project (empty for global facts).
func (e *Extractor) ExtractAndConsolidate(ctx context.Context, userMsg, assistantMsg, senderID, project string) {
	facts, err := e.extractFacts(ctx, userMsg, assistantMsg)
	if err != nil {
		logger.WarnCF("memvec", "knowledge extraction failed", map[string]interface{}{"error": err.Error(), "sender": senderID})
		return
	}
	if len(facts) == 0 {
		return
	}

	for _, f := range facts {
		if err := e.consolidate(ctx, f, project); err != nil {
			logger.WarnCF("memvec", "failed to consolidate fact", map[string]interface{}{"error": err.Error(), "fact": f.Fact})
		}
	}
}

func (e *Extractor) extractFacts(ctx context.Context, userMsg, assistantMsg string) ([]Fact, error) {
	if len(userMsg) < 10 {
		return nil, nil
	}
	prompt := fmt.Sprintf(extractionPrompt, userMsg, truncate(assistantMsg, 2000))

	out, _, err := e.Provider.Invoke(ctx, types.Context{UserText: prompt})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	content := cleanJSONFence(out.Text)
	var facts []Fact
	if err := json.Unmarshal([]byte(content), &facts); err != nil {
		var single Fact
		if err2 := json.Unmarshal([]byte(content), &single); err2 == nil && single.Fact != "" {
			facts = []Fact{single}
		} else {
			return nil, fmt.Errorf("parse extracted facts: %w (response: %s)", err, truncate(content, 200))
		}
	}
	return facts, nil
}

func (e *Extractor) consolidate(ctx context.Context, fact Fact, project string) error {
	opts := KnowledgeOpts{Project: project}

	existing, err := e.Store.SearchKnowledge(ctx, fact.Fact, 3, project)
	if err != nil {
		_, err := e.Store.IndexKnowledge(ctx, "", fact.Fact, fact.Category, opts)
		return err
	}

	var similar []Result
	for _, r := range existing {
		if r.Score > 0.8 {
			similar = append(similar, r)
		}
	}
	if len(similar) == 0 {
		_, err := e.Store.IndexKnowledge(ctx, "", fact.Fact, fact.Category, opts)
		return err
	}

	action, err := e.decide(ctx, fact, similar)
	if err != nil {
		logger.WarnCF("memvec", "consolidation decision failed, adding as new", map[string]interface{}{"error": err.Error()})
		_, err := e.Store.IndexKnowledge(ctx, "", fact.Fact, fact.Category, opts)
		return err
	}

	switch action.Action {
	case "UPDATE":
		if action.FactID != "" {
			_ = e.Store.DeleteKnowledge(ctx, action.FactID)
		}
		newFact := action.NewFact
		if newFact == "" {
			newFact = fact.Fact
		}
		_, err := e.Store.IndexKnowledge(ctx, "", newFact, fact.Category, opts)
		return err
	case "DELETE":
		if action.FactID != "" {
			return e.Store.DeleteKnowledge(ctx, action.FactID)
		}
		return nil
	case "NOOP":
		return nil
	default: // ADD, or an unrecognized verdict
		_, err := e.Store.IndexKnowledge(ctx, "", fact.Fact, fact.Category, opts)
		return err
	}
}

const consolidationPrompt = `You are managing a knowledge base about a user. A new fact has been extracted from a conversation, and similar existing facts were found.

NEW FACT: %s

EXISTING SIMILAR FACTS:
%s

Decide what to do:
- UPDATE: The new fact updates/replaces an existing one. Return the merged fact.
- DELETE: An existing fact is now obsolete because of the new fact.
- NOOP: The new fact is essentially the same as an existing one.
- ADD: The new fact is related but distinct. Add it.

Return ONLY valid JSON:
{"action": "UPDATE|DELETE|NOOP|ADD", "fact_id": "id_of_existing_fact_if_applicable", "new_fact": "merged fact text for UPDATE"}`

func (e *Extractor) decide(ctx context.Context, fact Fact, similar []Result) (*consolidationAction, error) {
	var lines []string
	for _, s := range similar {
		lines = append(lines, fmt.Sprintf("- [ID: %s] %s (score: %.2f)", s.ID, s.Content, s.Score))
	}
	prompt := fmt.Sprintf(consolidationPrompt, fact.Fact, strings.Join(lines, "\n"))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, _, err := e.Provider.Invoke(ctx, types.Context{UserText: prompt})
	if err != nil {
		return nil, fmt.Errorf("consolidation call: %w", err)
	}

	var action consolidationAction
	if err := json.Unmarshal([]byte(cleanJSONFence(out.Text)), &action); err != nil {
		return nil, fmt.Errorf("parse consolidation action: %w", err)
	}
	return &action, nil
}

func cleanJSONFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
