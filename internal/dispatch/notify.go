package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kvashenko/valet/internal/llm"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/notify"
	"github.com/kvashenko/valet/internal/store"
)

// handleNotify delivers a reminder. The message lands in a fresh
// conversation thread and goes out over the notification channel; when the
// job is linked to a task the reminder is enriched with the task's due date.
func (d *Dispatcher) handleNotify(ctx context.Context, job *store.ScheduledJob, exec *store.JobExecution, p *NotifyPayload) ([]byte, error) {
	message := p.Message
	if message == "" {
		message = job.Title
	}

	if job.TaskID != nil {
		if extra := d.taskDueLine(ctx, job); extra != "" {
			message += "\n" + extra
		}
	}

	conv, seeded, err := d.conversationFor(ctx, job, exec, "reminder")
	if err != nil {
		return nil, err
	}
	if !seeded {
		msg := &store.Message{
			ConversationID: conv.ID,
			AgentID:        job.AgentID,
			Role:           string(llm.RoleAssistant),
			Content:        message,
		}
		if err := d.cfg.Store.AddMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("record reminder message: %w", err)
		}
		d.markConversationStep(ctx, exec.ID)
	}

	n := notify.Notification{
		AgentID: job.AgentID,
		Kind:    notify.KindReminder,
		Title:   job.Title,
		Body:    message,
		JobID:   job.ID,
	}
	if job.TaskID != nil {
		n.TaskID = *job.TaskID
	}
	if err := d.cfg.Notifier.Notify(ctx, n); err != nil {
		return nil, fmt.Errorf("deliver reminder: %w", err)
	}

	return mustJSON(map[string]any{
		"conversationId": conv.ID,
		"message":        message,
	}), nil
}

// taskDueLine formats the linked task's due date in the agent's timezone.
// Lookup failures degrade to a plain reminder.
func (d *Dispatcher) taskDueLine(ctx context.Context, job *store.ScheduledJob) string {
	task, err := d.cfg.Store.GetTask(ctx, *job.TaskID, job.AgentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.cfg.Logger.Warn("failed to load linked task for reminder",
				logger.Field{Key: "task_id", Value: *job.TaskID},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
		return ""
	}
	if task.DueDate == nil {
		return fmt.Sprintf("Task: %s", task.Title)
	}

	loc := time.UTC
	if agent, err := d.cfg.Store.GetAgent(ctx, job.AgentID); err == nil {
		if l, lerr := time.LoadLocation(agent.Timezone); lerr == nil {
			loc = l
		}
	}
	return fmt.Sprintf("Task: %s (due %s)", task.Title, task.DueDate.In(loc).Format("Mon, 02 Jan 2006 15:04"))
}
