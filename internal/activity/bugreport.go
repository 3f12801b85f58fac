package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/tools"
)

// DedupWindow is how long an existing bug-report task suppresses new
// reports for the same tool failure.
const DedupWindow = 24 * time.Hour

// TaskStore is the subset of the persistence gateway the reporter needs.
type TaskStore interface {
	CreateTask(ctx context.Context, task *store.Task) error
	FindTaskByTitleSince(ctx context.Context, agentID, title string, since time.Time) (*store.Task, error)
}

// BugReporter turns failed tool results into bug-report tasks so humans are
// informed without interrupting the run. Reports with the same title within
// DedupWindow are collapsed into one task.
type BugReporter struct {
	store  TaskStore
	logger *logger.Logger
}

// NewBugReporter creates a BugReporter.
func NewBugReporter(st TaskStore, log *logger.Logger) *BugReporter {
	return &BugReporter{store: st, logger: log}
}

// Report files a bug-report task for a failed tool result. Failures here
// are logged and swallowed; reporting must never affect the run.
func (b *BugReporter) Report(ctx context.Context, agentID string, result tools.ToolResult) {
	title := fmt.Sprintf("Tool failure: %s", result.ToolName)

	_, err := b.store.FindTaskByTitleSince(ctx, agentID, title, time.Now().Add(-DedupWindow))
	if err == nil {
		// Already reported within the window.
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		b.logger.Error("bug report dedup lookup failed", err,
			logger.Field{Key: "tool_name", Value: result.ToolName})
		return
	}

	task := &store.Task{
		AgentID: agentID,
		Title:   title,
		Description: fmt.Sprintf("Automatic bug report.\n\nTool: %s\nTool call id: %s\nTimed out: %v\nError: %s",
			result.ToolName, result.ToolCallID, result.TimedOut, result.Error),
		Status:       store.TaskStatusTodo,
		Priority:     "low",
		AssigneeType: store.AssigneeUser,
	}
	if err := b.store.CreateTask(ctx, task); err != nil {
		b.logger.Error("failed to create bug report task", err,
			logger.Field{Key: "tool_name", Value: result.ToolName})
		return
	}

	b.logger.InfoCtx(ctx, "bug report task created",
		logger.Field{Key: "task_id", Value: task.ID},
		logger.Field{Key: "tool_name", Value: result.ToolName})
}
