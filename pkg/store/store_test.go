package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/omega/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := Open(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenOrFetchConversation_SameTupleReturnsSameOpenRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.OpenOrFetchConversation(ctx, "telegram", "u1", "")
	require.NoError(t, err)

	second, err := s.OpenOrFetchConversation(ctx, "telegram", "u1", "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestOpenOrFetchConversation_DistinctProjectsGetDistinctOpenRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.OpenOrFetchConversation(ctx, "telegram", "u1", "alpha")
	require.NoError(t, err)
	b, err := s.OpenOrFetchConversation(ctx, "telegram", "u1", "beta")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestOpenOrFetchConversation_AfterCloseReopensNewRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.OpenOrFetchConversation(ctx, "telegram", "u1", "")
	require.NoError(t, err)

	require.NoError(t, s.CloseConversation(ctx, first.ID, "summary"))

	second, err := s.OpenOrFetchConversation(ctx, "telegram", "u1", "")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, types.ConversationOpen, second.Status)
}

func TestLoadLessons_ScopesToSenderAndFallsBackToSharedProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertLesson(ctx, "u1", "alpha", "coding", "write tests first")
	require.NoError(t, err)
	_, err = s.UpsertLesson(ctx, "u1", "", "coding", "prefer small diffs")
	require.NoError(t, err)
	_, err = s.UpsertLesson(ctx, "u2", "alpha", "coding", "not mine")
	require.NoError(t, err)

	lessons, err := s.LoadLessons(ctx, "u1", "alpha")
	require.NoError(t, err)
	require.Len(t, lessons, 2)

	var contents []string
	for _, l := range lessons {
		contents = append(contents, l.Content)
	}
	assert.Contains(t, contents, "write tests first")
	assert.Contains(t, contents, "prefer small diffs")
}

func TestLoadLessons_NoRowsReturnsEmpty(t *testing.T) {
	s := openTestStore(t)
	lessons, err := s.LoadLessons(context.Background(), "nobody", "")
	require.NoError(t, err)
	assert.Empty(t, lessons)
}
