// Package summarizer closes out conversations that have gone idle past a
// threshold: it asks the provider for a short summary, stores it on the
// conversation row, and closes it (spec.md 4.8). A failed summarization
// leaves the conversation open so the next sweep retries it.
//
// Grounded on the teacher's background-loop shape (ticker-driven worker
// with independent failure handling per item) and pkg/pipeline's
// provider-invocation pattern.
package summarizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/provider"
	"github.com/sipeed/omega/pkg/types"
)

// Store is the subset of pkg/store.Store the summarizer needs.
type Store interface {
	IdleConversations(ctx context.Context, idleSince time.Time) ([]types.Conversation, error)
	AllMessages(ctx context.Context, conversationID int64) ([]types.HistoryEntry, error)
	CloseConversation(ctx context.Context, conversationID int64, summary string) error
}

type Summarizer struct {
	Store        Store
	Provider     provider.Provider
	IdleAfter    time.Duration
	PollInterval time.Duration
}

func (s *Summarizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Summarizer) tick(ctx context.Context) {
	convs, err := s.Store.IdleConversations(ctx, time.Now().Add(-s.IdleAfter))
	if err != nil {
		logger.WarnCF("summarizer", "failed to list idle conversations", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, c := range convs {
		s.summarize(ctx, c)
	}
}

func (s *Summarizer) summarize(ctx context.Context, c types.Conversation) {
	msgs, err := s.Store.AllMessages(ctx, c.ID)
	if err != nil || len(msgs) == 0 {
		return
	}

	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Text)
	}

	reply, _, err := s.Provider.Invoke(ctx, types.Context{
		SystemPrompt: "Summarize the following conversation in 2-4 sentences, capturing decisions made and open threads. Reply with only the summary.",
		UserText:     transcript.String(),
	})
	if err != nil {
		logger.WarnCF("summarizer", "summarization call failed, leaving conversation open", map[string]interface{}{
			"conversation": c.ID, "error": err.Error(),
		})
		return
	}

	summary := strings.TrimSpace(reply.Text)
	if summary == "" {
		return
	}
	if err := s.Store.CloseConversation(ctx, c.ID, summary); err != nil {
		logger.WarnCF("summarizer", "failed to close summarized conversation", map[string]interface{}{"conversation": c.ID, "error": err.Error()})
	}
}
