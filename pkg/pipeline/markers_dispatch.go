package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/markers"
	"github.com/sipeed/omega/pkg/types"
)

// markerOutcome accumulates side effects whose application is deferred
// until after the triggering exchange is persisted (spec.md 4.3 ordering:
// FORGET_CONVERSATION / PROJECT_ACTIVATE close only after persistence so
// the exchange that triggered them is recorded in the conversation it
// happened in).
type markerOutcome struct {
	closeConversation bool
	forgetSession     bool
	confirmation      string
}

// dispatchMarkers processes directives in text order. A failure on one
// marker is logged and does not prevent the others from being attempted
// (spec.md 4.2 stage 12 failure semantics).
func (p *Pipeline) dispatchMarkers(ctx context.Context, channel, senderID string, convID int64, project string, directives []markers.Directive) markerOutcome {
	var out markerOutcome
	var confirmations []string

	for _, d := range directives {
		if err := p.dispatchOne(ctx, channel, senderID, convID, project, d, &out, &confirmations); err != nil {
			logger.WarnCF("pipeline.markers", "marker handler failed", map[string]interface{}{
				"marker": string(d.Name), "error": err.Error(),
			})
		}
	}

	if len(confirmations) > 0 {
		out.confirmation = strings.Join(confirmations, "\n")
	}
	return out
}

func (p *Pipeline) dispatchOne(ctx context.Context, channel, senderID string, convID int64, project string, d markers.Directive, out *markerOutcome, confirmations *[]string) error {
	switch d.Name {
	case markers.Schedule, markers.ScheduleAction:
		return p.handleSchedule(ctx, channel, senderID, d, confirmations)

	case markers.CancelTask:
		return p.handleCancelTask(ctx, senderID, d, confirmations)

	case markers.UpdateTask:
		return p.handleUpdateTask(ctx, senderID, d, confirmations)

	case markers.Reward:
		return p.handleReward(ctx, senderID, project, d)

	case markers.Lesson:
		return p.handleLesson(ctx, senderID, project, d)

	case markers.Personality:
		return p.Store.UpsertFact(ctx, senderID, "style", d.Arg(0), "marker")

	case markers.LangSwitch:
		return p.Store.UpsertFact(ctx, senderID, "preferred_language", d.Arg(0), "marker")

	case markers.ForgetConversation:
		out.closeConversation = true
		out.forgetSession = true
		return nil

	case markers.HeartbeatAdd:
		return appendLine(p.Cfg.HeartbeatChecklist, "- "+d.Arg(0))
	case markers.HeartbeatRemove:
		return removeLine(p.Cfg.HeartbeatChecklist, d.Arg(0))
	case markers.HeartbeatInterval:
		// Persisted as a "system" fact; the heartbeat loop reads it through
		// its IntervalFunc (wired in cmd/omega-gatewayd) on every cycle.
		return p.Store.UpsertFact(ctx, "system", "heartbeat_interval_minutes", d.Arg(0), "marker")

	case markers.SkillImprove:
		return appendLine(skillFilePath(p.Cfg.SkillLogDir, d.Arg(0)), "- "+d.Arg(1))

	case markers.BugReport:
		return appendLine(p.Cfg.BugLogPath, fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), d.Arg(0)))

	case markers.ProjectActivate:
		name := d.Arg(0)
		if name == "off" {
			name = ""
		}
		out.closeConversation = true
		return p.Store.SetActiveProject(ctx, senderID, name)

	case markers.PurgeFacts:
		return p.Store.PurgeFacts(ctx, senderID)
	}
	return nil
}

func (p *Pipeline) handleSchedule(ctx context.Context, channel, senderID string, d markers.Directive, confirmations *[]string) error {
	desc := d.Arg(0)
	dueAt, err := time.Parse("2006-01-02T15:04", d.Arg(1))
	if err != nil {
		dueAt, err = time.Parse(time.RFC3339, d.Arg(1))
		if err != nil {
			return fmt.Errorf("invalid datetime %q: %w", d.Arg(1), err)
		}
	}
	taskType := types.TaskReminder
	if d.Name == markers.ScheduleAction {
		taskType = types.TaskAction
	}

	pending, _ := p.Store.PendingTasks(ctx, senderID)
	warn := ""
	normalized := normalizeDesc(desc)
	for _, t := range pending {
		if normalizeDesc(t.Description) == normalized && t.DueAt.Equal(dueAt) {
			warn = " (note: a similar task already exists)"
			break
		}
	}

	id, err := p.Store.InsertTask(ctx, types.ScheduledTask{
		Channel: channel, SenderID: senderID, ReplyTarget: senderID,
		Description: desc, DueAt: dueAt, Repeat: types.TaskRepeat(d.Arg(2)), TaskType: taskType,
	})
	if err != nil {
		return err
	}
	*confirmations = append(*confirmations, fmt.Sprintf("Scheduled #%d: %s%s", id, desc, warn))
	return nil
}

func normalizeDesc(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (p *Pipeline) handleCancelTask(ctx context.Context, senderID string, d markers.Directive, confirmations *[]string) error {
	id, ok, err := p.Store.CancelTaskByPrefix(ctx, senderID, d.Arg(0))
	if err != nil {
		return err
	}
	if !ok {
		*confirmations = append(*confirmations, fmt.Sprintf("No pending task matching %q", d.Arg(0)))
		return nil
	}
	*confirmations = append(*confirmations, fmt.Sprintf("Cancelled task #%d", id))
	return nil
}

func (p *Pipeline) handleUpdateTask(ctx context.Context, senderID string, d markers.Directive, confirmations *[]string) error {
	idStr, desc, due, repeat := d.Arg(0), d.Arg(1), d.Arg(2), d.Arg(3)
	pending, err := p.Store.PendingTasks(ctx, senderID)
	if err != nil {
		return err
	}
	for _, t := range pending {
		if strings.HasPrefix(strconv.FormatInt(t.ID, 10), idStr) {
			// Mutation is modeled as cancel + recreate, keeping InsertTask the
			// single write path for task rows.
			if _, err := p.Store.TransitionTask(ctx, t.ID, types.TaskPending, types.TaskCancelled); err != nil {
				return err
			}
			dueAt, err := time.Parse("2006-01-02T15:04", due)
			if err != nil {
				dueAt = t.DueAt
			}
			if desc == "" {
				desc = t.Description
			}
			rep := types.TaskRepeat(repeat)
			if repeat == "" {
				rep = t.Repeat
			}
			newID, err := p.Store.InsertTask(ctx, types.ScheduledTask{
				Channel: t.Channel, SenderID: senderID, ReplyTarget: t.ReplyTarget,
				Description: desc, DueAt: dueAt, Repeat: rep, TaskType: t.TaskType,
			})
			if err != nil {
				return err
			}
			*confirmations = append(*confirmations, fmt.Sprintf("Updated task #%d -> #%d", t.ID, newID))
			return nil
		}
	}
	*confirmations = append(*confirmations, fmt.Sprintf("No pending task matching %q", idStr))
	return nil
}

func (p *Pipeline) handleReward(ctx context.Context, senderID, project string, d markers.Directive) error {
	sig, err := strconv.Atoi(d.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid signal %q: %w", d.Arg(0), err)
	}
	return p.Store.AppendOutcome(ctx, types.Outcome{
		SenderID: senderID, Project: project, Domain: d.Arg(1), Signal: types.Signal(sig), Lesson: d.Arg(2),
	})
}

func (p *Pipeline) handleLesson(ctx context.Context, senderID, project string, d markers.Directive) error {
	_, err := p.Store.UpsertLesson(ctx, senderID, project, d.Arg(0), d.Arg(1))
	return err
}
