package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/omega/pkg/types"
)

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[int64]types.ScheduledTask
	nextID  int64
	inserts []types.ScheduledTask
}

func newFakeStore(tasks ...types.ScheduledTask) *fakeStore {
	fs := &fakeStore{tasks: map[int64]types.ScheduledTask{}}
	for _, t := range tasks {
		fs.tasks[t.ID] = t
		if t.ID >= fs.nextID {
			fs.nextID = t.ID + 1
		}
	}
	return fs
}

func (f *fakeStore) DueTasks(ctx context.Context, now time.Time) ([]types.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ScheduledTask
	for _, t := range f.tasks {
		if t.Status == types.TaskPending && !t.DueAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionTask(ctx context.Context, id int64, from, to types.TaskStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	f.tasks[id] = t
	return true, nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Status = types.TaskDelivered
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) FailTask(ctx context.Context, id int64, lastErr string, retryCap int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.RetryCount++
	t.LastError = lastErr
	if t.RetryCount > retryCap {
		t.Status = types.TaskFailed
	} else {
		t.Status = types.TaskPending
	}
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t types.ScheduledTask) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	t.ID = id
	t.Status = types.TaskPending
	f.tasks[id] = t
	f.inserts = append(f.inserts, t)
	return id, nil
}

func TestProcess_CASLossSkipsTaskSilently(t *testing.T) {
	fs := newFakeStore(types.ScheduledTask{
		ID: 1, Channel: "tg", SenderID: "u1", ReplyTarget: "u1",
		Description: "reminder", DueAt: time.Now(), TaskType: types.TaskReminder, Status: types.TaskDelivered,
	})

	var delivered int
	s := &Scheduler{
		Store:    fs,
		Deliver:  func(ctx context.Context, channel, target, text string) error { delivered++; return nil },
		RetryCap: 3,
	}

	s.process(context.Background(), fs.tasks[1])

	assert.Equal(t, 0, delivered, "a task not in pending status must not be claimed")
}

func TestProcess_ReminderDeliversAndMarksDelivered(t *testing.T) {
	fs := newFakeStore(types.ScheduledTask{
		ID: 1, Channel: "tg", SenderID: "u1", ReplyTarget: "u1",
		Description: "water the plants", DueAt: time.Now(), TaskType: types.TaskReminder, Status: types.TaskPending,
	})

	var got string
	s := &Scheduler{
		Store:    fs,
		Deliver:  func(ctx context.Context, channel, target, text string) error { got = text; return nil },
		RetryCap: 3,
	}

	s.process(context.Background(), fs.tasks[1])

	assert.Contains(t, got, "water the plants")
	assert.Equal(t, types.TaskDelivered, fs.tasks[1].Status)
}

func TestProcess_FailureRevertsToPendingAndRecordsError(t *testing.T) {
	fs := newFakeStore(types.ScheduledTask{
		ID: 1, Channel: "tg", SenderID: "u1", ReplyTarget: "u1",
		Description: "reminder", DueAt: time.Now(), TaskType: types.TaskReminder, Status: types.TaskPending,
	})

	s := &Scheduler{
		Store:    fs,
		Deliver:  func(ctx context.Context, channel, target, text string) error { return fmt.Errorf("channel down") },
		RetryCap: 3,
	}

	s.process(context.Background(), fs.tasks[1])

	assert.Equal(t, types.TaskPending, fs.tasks[1].Status)
	assert.Equal(t, 1, fs.tasks[1].RetryCount)
	assert.Equal(t, "channel down", fs.tasks[1].LastError)
}

func TestProcess_FailureBeyondRetryCapTerminatesTask(t *testing.T) {
	fs := newFakeStore(types.ScheduledTask{
		ID: 1, Channel: "tg", SenderID: "u1", ReplyTarget: "u1",
		Description: "reminder", DueAt: time.Now(), TaskType: types.TaskReminder,
		Status: types.TaskPending, RetryCount: 3,
	})

	s := &Scheduler{
		Store:    fs,
		Deliver:  func(ctx context.Context, channel, target, text string) error { return fmt.Errorf("still down") },
		RetryCap: 3,
	}

	s.process(context.Background(), fs.tasks[1])

	assert.Equal(t, types.TaskFailed, fs.tasks[1].Status)
}

func TestProcess_RepeatingTaskInsertsSuccessorOnDelivery(t *testing.T) {
	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fs := newFakeStore(types.ScheduledTask{
		ID: 1, Channel: "tg", SenderID: "u1", ReplyTarget: "u1",
		Description: "standup", DueAt: due, Repeat: types.RepeatDaily,
		TaskType: types.TaskReminder, Status: types.TaskPending,
	})

	s := &Scheduler{
		Store:    fs,
		Deliver:  func(ctx context.Context, channel, target, text string) error { return nil },
		RetryCap: 3,
	}

	s.process(context.Background(), fs.tasks[1])

	require.Len(t, fs.inserts, 1)
	successor := fs.inserts[0]
	assert.Equal(t, "standup", successor.Description)
	assert.Equal(t, types.RepeatDaily, successor.Repeat)
	assert.True(t, successor.DueAt.After(due))
}

func TestProcess_OnceTaskDoesNotInsertSuccessor(t *testing.T) {
	fs := newFakeStore(types.ScheduledTask{
		ID: 1, Channel: "tg", SenderID: "u1", ReplyTarget: "u1",
		Description: "one-off", DueAt: time.Now(), Repeat: types.RepeatOnce,
		TaskType: types.TaskReminder, Status: types.TaskPending,
	})

	s := &Scheduler{
		Store:    fs,
		Deliver:  func(ctx context.Context, channel, target, text string) error { return nil },
		RetryCap: 3,
	}

	s.process(context.Background(), fs.tasks[1])

	assert.Empty(t, fs.inserts)
}

func TestNextOccurrence_DailyAdvancesExactlyOneDay(t *testing.T) {
	prev := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	next, err := NextOccurrence(prev, types.RepeatDaily)
	require.NoError(t, err)
	assert.Equal(t, prev.Add(24*time.Hour).Hour(), next.Hour())
	assert.Equal(t, prev.Add(24*time.Hour).Minute(), next.Minute())
	assert.True(t, next.After(prev))
}
