// Package scheduler polls scheduled_tasks every poll interval and delivers
// reminders or re-enters the pipeline for action tasks (spec.md 4.6).
// Grounded on the teacher's background-loop shape (loop.go's ticker-driven
// workers) combined with github.com/adhocore/gronx for repeat-interval math.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/types"
)

// Store is the subset of pkg/store.Store the scheduler needs.
type Store interface {
	DueTasks(ctx context.Context, now time.Time) ([]types.ScheduledTask, error)
	TransitionTask(ctx context.Context, id int64, from, to types.TaskStatus) (bool, error)
	MarkDelivered(ctx context.Context, id int64) error
	FailTask(ctx context.Context, id int64, lastErr string, retryCap int) error
	InsertTask(ctx context.Context, t types.ScheduledTask) (int64, error)
}

// Deliverer sends a reminder's text to its stored reply target on its channel.
type Deliverer func(ctx context.Context, channel, target, text string) error

// ActionRunner re-enters the pipeline for task_type=action tasks.
type ActionRunner func(ctx context.Context, t types.ScheduledTask) error

type Scheduler struct {
	Store        Store
	Deliver      Deliverer
	RunAction    ActionRunner
	PollInterval time.Duration
	RetryCap     int
}

// Run polls until ctx is cancelled. Background loops never terminate on
// error; failures back off exponentially (1s -> 2s -> ... -> 60s) and resume.
func (s *Scheduler) Run(ctx context.Context) {
	backoff := time.Second
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				logger.ErrorCF("scheduler", "tick failed, backing off", err, map[string]interface{}{"backoff": backoff.String()})
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > 60*time.Second {
					backoff = 60 * time.Second
				}
				continue
			}
			backoff = time.Second
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	due, err := s.Store.DueTasks(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, t := range due {
		s.process(ctx, t)
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, t types.ScheduledTask) {
	ok, err := s.Store.TransitionTask(ctx, t.ID, types.TaskPending, types.TaskInFlight)
	if err != nil || !ok {
		return // CAS lost to another worker, or store error; skip silently this tick
	}

	var runErr error
	switch t.TaskType {
	case types.TaskReminder:
		runErr = s.Deliver(ctx, t.Channel, t.ReplyTarget, "Reminder: "+t.Description)
	case types.TaskAction:
		if s.RunAction != nil {
			runErr = s.RunAction(ctx, t)
		}
	}

	if runErr != nil {
		if _, err := s.Store.TransitionTask(ctx, t.ID, types.TaskInFlight, types.TaskPending); err != nil {
			logger.WarnCF("scheduler", "failed to revert in_flight task", map[string]interface{}{"task": t.ID})
		}
		if err := s.Store.FailTask(ctx, t.ID, runErr.Error(), s.RetryCap); err != nil {
			logger.WarnCF("scheduler", "failed to record task failure", map[string]interface{}{"task": t.ID})
		}
		return
	}

	if err := s.Store.MarkDelivered(ctx, t.ID); err != nil {
		logger.WarnCF("scheduler", "failed to mark delivered", map[string]interface{}{"task": t.ID})
		return
	}

	if t.Repeat != types.RepeatNone && t.Repeat != types.RepeatOnce {
		next, err := NextOccurrence(t.DueAt, t.Repeat)
		if err != nil {
			logger.WarnCF("scheduler", "failed to compute next occurrence", map[string]interface{}{"task": t.ID, "error": err.Error()})
			return
		}
		if _, err := s.Store.InsertTask(ctx, types.ScheduledTask{
			Channel: t.Channel, SenderID: t.SenderID, ReplyTarget: t.ReplyTarget,
			Description: t.Description, DueAt: next, Repeat: t.Repeat, TaskType: t.TaskType,
		}); err != nil {
			logger.WarnCF("scheduler", "failed to insert next occurrence", map[string]interface{}{"task": t.ID, "error": err.Error()})
		}
	}
}

// NextOccurrence computes the next due_at for a repeating task. Daily/
// weekly/monthly use gronx's cron-expression evaluation (already a teacher
// dependency); weekdays is expressed as a Mon-Fri cron.
func NextOccurrence(prev time.Time, repeat types.TaskRepeat) (time.Time, error) {
	var expr string
	switch repeat {
	case types.RepeatDaily:
		expr = fmt.Sprintf("%d %d * * *", prev.Minute(), prev.Hour())
	case types.RepeatWeekly:
		expr = fmt.Sprintf("%d %d * * %d", prev.Minute(), prev.Hour(), int(prev.Weekday()))
	case types.RepeatMonthly:
		expr = fmt.Sprintf("%d %d %d * *", prev.Minute(), prev.Hour(), prev.Day())
	case types.RepeatWeekdays:
		expr = fmt.Sprintf("%d %d * * 1-5", prev.Minute(), prev.Hour())
	default:
		return time.Time{}, fmt.Errorf("unsupported repeat: %s", repeat)
	}
	next, err := gronx.NextTickAfter(expr, prev, false)
	if err != nil {
		return time.Time{}, err
	}
	return next, nil
}
