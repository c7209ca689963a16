// Package provider defines the Provider capability the pipeline depends
// on, normalizing the CLI subprocess and HTTP backends (spec.md 4.5)
// behind one interface so the Pipeline is generic over the concrete
// implementation, per the teacher's capability-pattern polymorphism.
package provider

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/sipeed/omega/pkg/metrics"
	"github.com/sipeed/omega/pkg/types"
)

// Provider is the capability the pipeline invokes.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, c types.Context) (types.OutgoingMessage, types.MessageMetadata, error)
	IsAvailable() bool
}

// StatusNotifier runs a supervising timer for one provider call: it fires
// onNotice("taking a moment") at 15s, then onNotice("still working") every
// 2 minutes, until Stop is called. If the call finishes within 15s nothing
// fires. Adapted from the teacher's pkg/bus.StreamNotifier throttle/flush
// shape, repurposed from text-delta accumulation to timed status notices.
type StatusNotifier struct {
	stop chan struct{}
}

const (
	firstNoticeDelay = 15 * time.Second
	repeatNotice     = 2 * time.Minute
)

// NewStatusNotifier starts the timer immediately.
func NewStatusNotifier(onNotice func(message string)) *StatusNotifier {
	sn := &StatusNotifier{stop: make(chan struct{})}
	go sn.loop(onNotice)
	return sn
}

func (sn *StatusNotifier) loop(onNotice func(string)) {
	first := time.NewTimer(firstNoticeDelay)
	defer first.Stop()
	select {
	case <-sn.stop:
		return
	case <-first.C:
		onNotice("This is taking a moment…")
	}

	ticker := time.NewTicker(repeatNotice)
	defer ticker.Stop()
	for {
		select {
		case <-sn.stop:
			return
		case <-ticker.C:
			onNotice("Still working…")
		}
	}
}

// Stop cancels pending notices. Safe to call once, after the provider call
// returns.
func (sn *StatusNotifier) Stop() {
	close(sn.stop)
}

// Tracked wraps a Provider with pkg/metrics cost recording, so every
// concrete backend (CLI or HTTP) gets a token-cost JSONL entry without
// each Invoke implementation owning a Tracker itself. MessageMetadata
// carries no token counts (the CLI JSON payload reports num_turns, not
// tokens), so input and output tokens are always recorded as a rough
// runes/4 estimate of the prompt and reply text.
type Tracked struct {
	Inner   Provider
	Tracker *metrics.Tracker
}

func (t *Tracked) Name() string      { return t.Inner.Name() }
func (t *Tracked) IsAvailable() bool { return t.Inner.IsAvailable() }

func (t *Tracked) Invoke(ctx context.Context, c types.Context) (types.OutgoingMessage, types.MessageMetadata, error) {
	out, meta, err := t.Inner.Invoke(ctx, c)
	if t.Tracker != nil {
		t.Tracker.Record(metrics.TokenEvent{
			SessionKey:   meta.SessionID,
			Model:        meta.Model,
			Provider:     meta.Provider,
			InputTokens:  estimateTokens(c.SystemPrompt) + estimateTokens(c.UserText),
			OutputTokens: estimateTokens(out.Text),
			Iteration:    meta.Turns,
		})
	}
	return out, meta, err
}

func estimateTokens(s string) int {
	return utf8.RuneCountInString(s) / 4
}
