package context

import (
	gocontext "context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/omega/pkg/types"
)

type fakeStore struct {
	facts     map[string]string
	tasks     []types.ScheduledTask
	snippets  []string
	outcomes  []types.Outcome
	lessons   []types.Lesson
}

func (f *fakeStore) LoadFacts(ctx gocontext.Context, senderID string) (map[string]string, error) {
	return f.facts, nil
}
func (f *fakeStore) PendingTasks(ctx gocontext.Context, senderID string) ([]types.ScheduledTask, error) {
	return f.tasks, nil
}
func (f *fakeStore) SearchHistoryFTS(ctx gocontext.Context, senderID, query string, k int) ([]string, error) {
	return f.snippets, nil
}
func (f *fakeStore) RecentOutcomes(ctx gocontext.Context, senderID, project string, k int) ([]types.Outcome, error) {
	return f.outcomes, nil
}
func (f *fakeStore) LoadLessons(ctx gocontext.Context, senderID, project string) ([]types.Lesson, error) {
	return f.lessons, nil
}

func TestBuild_SessionIDSetForcesEmptyHistory(t *testing.T) {
	b := &Builder{Store: &fakeStore{facts: map[string]string{}}}

	c, err := b.Build(gocontext.Background(), Request{
		SenderID:  "u1",
		UserText:  "hello",
		SessionID: "claude-session-123",
		History:   []types.HistoryEntry{{Role: "user", Text: "earlier turn"}},
	})

	require.NoError(t, err)
	assert.Empty(t, c.History, "History must be empty whenever SessionID is set")
	assert.Equal(t, "claude-session-123", c.SessionID)
}

func TestBuild_NoSessionIDPreservesHistory(t *testing.T) {
	history := []types.HistoryEntry{{Role: "user", Text: "earlier turn"}}
	b := &Builder{Store: &fakeStore{facts: map[string]string{}}}

	c, err := b.Build(gocontext.Background(), Request{
		SenderID: "u1",
		UserText: "hello",
		History:  history,
	})

	require.NoError(t, err)
	assert.Equal(t, history, c.History)
}

func TestBuild_LessonsAlwaysIncludedWhenPresent(t *testing.T) {
	b := &Builder{Store: &fakeStore{
		facts:   map[string]string{},
		lessons: []types.Lesson{{Domain: "coding", Content: "write tests first"}},
	}}

	c, err := b.Build(gocontext.Background(), Request{SenderID: "u1", UserText: "no trigger keywords here"})

	require.NoError(t, err)
	assert.Contains(t, c.SystemPrompt, "## Lessons")
	assert.Contains(t, c.SystemPrompt, "write tests first")
}

func TestBuild_NoLessonsOmitsSection(t *testing.T) {
	b := &Builder{Store: &fakeStore{facts: map[string]string{}}}

	c, err := b.Build(gocontext.Background(), Request{SenderID: "u1", UserText: "hello"})

	require.NoError(t, err)
	assert.NotContains(t, c.SystemPrompt, "## Lessons")
}

func TestBuild_ProjectsGateOnlyFiresOnKeywordMatch(t *testing.T) {
	b := &Builder{Store: &fakeStore{
		facts:    map[string]string{},
		snippets: []string{"we discussed the rollout plan"},
	}}

	c, err := b.Build(gocontext.Background(), Request{SenderID: "u1", UserText: "what is the weather"})
	require.NoError(t, err)
	assert.NotContains(t, c.SystemPrompt, "rollout plan")

	c, err = b.Build(gocontext.Background(), Request{SenderID: "u1", UserText: "remember what we discussed?"})
	require.NoError(t, err)
	assert.Contains(t, c.SystemPrompt, "rollout plan")
}

func TestBuildMinimalUpdate_DropsHistoryAndPrependsTime(t *testing.T) {
	b := &Builder{Store: &fakeStore{facts: map[string]string{}}}

	c, err := b.BuildMinimalUpdate(gocontext.Background(), Request{
		SenderID:  "u1",
		UserText:  "hello",
		SessionID: "s1",
		History:   []types.HistoryEntry{{Role: "user", Text: "old"}},
	})

	require.NoError(t, err)
	assert.Empty(t, c.History)
	assert.Contains(t, c.SystemPrompt, "Current time:")
}
