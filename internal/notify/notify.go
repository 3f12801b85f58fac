// Package notify delivers user-facing notifications. The core emits them on
// reminders, completed or failed agent runs, and circuit-breaker pauses;
// delivery transports are pluggable.
package notify

import (
	"context"
	"time"
)

// Kind classifies a notification for the receiving client.
type Kind string

const (
	KindReminder   Kind = "reminder"
	KindTaskUpdate Kind = "task_update"
	KindAgentRun   Kind = "agent_run"
	KindFailure    Kind = "failure"
)

// Notification is a single user-facing message.
type Notification struct {
	AgentID string    `json:"agent_id"`
	Kind    Kind      `json:"kind"`
	Title   string    `json:"title"`
	Body    string    `json:"body,omitempty"`
	TaskID  string    `json:"task_id,omitempty"`
	JobID   string    `json:"job_id,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Null discards all notifications. Used when no transport is configured.
type Null struct{}

func (Null) Notify(ctx context.Context, n Notification) error { return nil }
