package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/omega/pkg/channel"
	gwcontext "github.com/sipeed/omega/pkg/context"
	"github.com/sipeed/omega/pkg/session"
	"github.com/sipeed/omega/pkg/store"
	"github.com/sipeed/omega/pkg/types"
)

// allowList is a fixed allow/deny answer for every sender.
type allowList bool

func (a allowList) Allowed(channel, senderID string) bool { return bool(a) }

// fakeSender records every delivered message instead of hitting a real channel.
type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, msg types.OutgoingMessage) (channel.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg.Text)
	return channel.Result{}, nil
}

func (f *fakeSender) SendTyping(ctx context.Context, target string) error { return nil }

// fakeProvider returns a fixed reply, or an error when configured to fail.
type fakeProvider struct {
	reply string
	err   error
}

func (f *fakeProvider) Name() string       { return "fake" }
func (f *fakeProvider) IsAvailable() bool  { return true }
func (f *fakeProvider) Invoke(ctx context.Context, c types.Context) (types.OutgoingMessage, types.MessageMetadata, error) {
	if f.err != nil {
		return types.OutgoingMessage{}, types.MessageMetadata{}, f.err
	}
	return types.OutgoingMessage{Text: f.reply}, types.MessageMetadata{Provider: "fake", Model: "fake-model"}, nil
}

func newTestPipeline(t *testing.T, cheap *fakeProvider) (*Pipeline, *store.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	s, err := store.Open(dbPath, 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	builder := &gwcontext.Builder{Store: s}
	return &Pipeline{
		Cfg:       Config{HistoryWindow: 10, CLISessionIdle: time.Hour},
		Store:     s,
		Allow:     allowList(true),
		Context:   builder,
		Sessions:  session.NewMap(),
		Cheap:     cheap,
		Workspace: t.TempDir(),
	}, s, dbPath
}

// countAuditRows opens its own connection to the same SQLite file (WAL mode
// permits concurrent readers) so the test can verify the audit invariant
// without pkg/store exposing a read path pipeline.go itself never needs.
func countAuditRows(t *testing.T, dbPath string) int {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n))
	return n
}

func TestRun_DeniedSenderWritesExactlyOneAuditRowAndNoReply(t *testing.T) {
	p, _, dbPath := newTestPipeline(t, &fakeProvider{reply: "should not be reached"})
	p.Allow = allowList(false)
	sender := &fakeSender{}

	p.Run(context.Background(), types.IncomingMessage{
		Channel: "tg", SenderID: "u1", Text: "hello", ReplyTarget: "u1",
	}, sender)

	assert.Empty(t, sender.sent, "a denied message must never reach delivery")
	assert.Equal(t, 1, countAuditRows(t, dbPath))
}

func TestRun_SlashCommandWritesExactlyOneAuditRowAndSkipsProvider(t *testing.T) {
	invoked := false
	p, _, dbPath := newTestPipeline(t, &fakeProvider{reply: "unused"})
	p.Cheap = &countingProvider{fakeProvider: fakeProvider{reply: "unused"}, invoked: &invoked}
	sender := &fakeSender{}

	p.Run(context.Background(), types.IncomingMessage{
		Channel: "tg", SenderID: "u1", Text: "/status", ReplyTarget: "u1",
	}, sender)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Omega gateway is running.", sender.sent[0])
	assert.False(t, invoked, "slash commands must short-circuit before any provider call")
	assert.Equal(t, 1, countAuditRows(t, dbPath))
}

func TestRun_SuccessfulReplyIsDeliveredAndPersistedExactlyOnce(t *testing.T) {
	p, s, dbPath := newTestPipeline(t, &fakeProvider{reply: "all good here"})
	sender := &fakeSender{}

	p.Run(context.Background(), types.IncomingMessage{
		Channel: "tg", SenderID: "u1", Text: "what's up", ReplyTarget: "u1",
	}, sender)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "all good here", sender.sent[0])
	assert.Equal(t, 1, countAuditRows(t, dbPath))

	project, _ := s.ActiveProject(context.Background(), "u1")
	conv, err := s.OpenOrFetchConversation(context.Background(), "tg", "u1", project)
	require.NoError(t, err)
	hist, err := s.RecentHistory(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2, "both the user turn and the assistant turn must be persisted exactly once")
	assert.Equal(t, "user", hist[0].Role)
	assert.Equal(t, "assistant", hist[1].Role)
}

func TestRun_ProviderErrorStillWritesExactlyOneAuditRowAndNoReply(t *testing.T) {
	p, _, dbPath := newTestPipeline(t, &fakeProvider{err: fmt.Errorf("boom")})
	sender := &fakeSender{}

	assert.NotPanics(t, func() {
		p.Run(context.Background(), types.IncomingMessage{
			Channel: "tg", SenderID: "u1", Text: "hello", ReplyTarget: "u1",
		}, sender)
	})

	assert.Empty(t, sender.sent, "a failed provider call must not deliver a reply")
	assert.Equal(t, 1, countAuditRows(t, dbPath))
}

func TestRun_MarkerDirectivesAreStrippedFromDeliveredText(t *testing.T) {
	p, _, dbPath := newTestPipeline(t, &fakeProvider{reply: "Sure thing.\nREWARD: +1 | productivity | good focus\n"})
	sender := &fakeSender{}

	p.Run(context.Background(), types.IncomingMessage{
		Channel: "tg", SenderID: "u1", Text: "thanks", ReplyTarget: "u1",
	}, sender)

	require.Len(t, sender.sent, 1)
	assert.NotContains(t, sender.sent[0], "REWARD:")
	assert.Contains(t, sender.sent[0], "Sure thing.")
	assert.Equal(t, 1, countAuditRows(t, dbPath))
}

// countingProvider wraps fakeProvider to record whether it was ever invoked.
type countingProvider struct {
	fakeProvider
	invoked *bool
}

func (c *countingProvider) Invoke(ctx context.Context, ctxt types.Context) (types.OutgoingMessage, types.MessageMetadata, error) {
	*c.invoked = true
	return c.fakeProvider.Invoke(ctx, ctxt)
}
