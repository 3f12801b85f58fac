package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/notify"
	"github.com/kvashenko/valet/internal/store"
)

// CreateTaskArgs represents the arguments for the create_task tool.
type CreateTaskArgs struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	DueDate      string   `json:"dueDate,omitempty"`
	ProjectID    string   `json:"projectId,omitempty"`
	AssigneeType string   `json:"assigneeType,omitempty"`
	BlockedBy    []string `json:"blockedBy,omitempty"`
}

// CreateTaskTool creates a task owned by the bound agent. Title and
// description are embedded for semantic search when an embedder is
// configured.
type CreateTaskTool struct {
	deps Deps
}

// NewCreateTaskTool creates a new CreateTaskTool instance.
func NewCreateTaskTool(deps Deps) *CreateTaskTool {
	return &CreateTaskTool{deps: deps}
}

func (t *CreateTaskTool) Name() string {
	return "create_task"
}

func (t *CreateTaskTool) Description() string {
	return "Create a new task. Use for any piece of work the user wants tracked. Returns the created task."
}

func (t *CreateTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{
				"type":        "string",
				"description": "Short task title",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Optional longer description",
			},
			"priority": map[string]any{
				"type":        "string",
				"enum":        []string{"low", "medium", "high"},
				"description": "Task priority, defaults to medium",
			},
			"dueDate": map[string]any{
				"type":        "string",
				"description": "Optional due date, RFC3339 or 'YYYY-MM-DD HH:MM' in the user's timezone",
			},
			"projectId": map[string]any{
				"type":        "string",
				"description": "Optional project to attach the task to",
			},
			"assigneeType": map[string]any{
				"type":        "string",
				"enum":        []string{"user", "agent"},
				"description": "Who works on the task. 'agent' tasks are picked up by background runs",
			},
			"blockedBy": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional ids of tasks that must finish first",
			},
		},
		"required": []string{"title"},
	}
}

func (t *CreateTaskTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed CreateTaskArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.Title == "" {
		return failureResult("title is required")
	}

	task := &store.Task{
		AgentID:      t.deps.AgentID,
		Title:        parsed.Title,
		Description:  parsed.Description,
		Status:       store.TaskStatusTodo,
		Priority:     parsed.Priority,
		AssigneeType: store.AssigneeUser,
		BlockedBy:    parsed.BlockedBy,
	}
	if task.Priority == "" {
		task.Priority = "medium"
	}
	if parsed.AssigneeType == string(store.AssigneeAgent) {
		task.AssigneeType = store.AssigneeAgent
	}
	if parsed.ProjectID != "" {
		if _, err := t.deps.Store.GetProject(ctx, parsed.ProjectID, t.deps.AgentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFoundResult("project", parsed.ProjectID)
			}
			return "", fmt.Errorf("failed to look up project: %w", err)
		}
		task.ProjectID = &parsed.ProjectID
	}
	if parsed.DueDate != "" {
		due, err := t.deps.parseWhen(parsed.DueDate)
		if err != nil {
			return failureResult(fmt.Sprintf("unparsable dueDate %q", parsed.DueDate))
		}
		utc := due.UTC()
		task.DueDate = &utc
	}

	if t.deps.Embedder != nil {
		vec, err := t.deps.Embedder.Embed(ctx, task.Title+"\n"+task.Description)
		if err != nil {
			// Embedding is best-effort; a task without a vector is
			// still findable by id.
			t.deps.Logger.WarnCtx(ctx, "task embedding failed",
				logger.Field{Key: "error", Value: err.Error()})
		} else {
			task.Embedding = vec
		}
	}

	if err := t.deps.Store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	return successResult(map[string]any{
		"task": map[string]any{
			"id":           task.ID,
			"title":        task.Title,
			"status":       task.Status,
			"priority":     task.Priority,
			"assigneeType": task.AssigneeType,
		},
	})
}

// UpdateTaskArgs represents the arguments for the update_task tool.
type UpdateTaskArgs struct {
	TaskID      string `json:"taskId"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
}

// UpdateTaskTool mutates task fields. Text changes re-embed the task.
type UpdateTaskTool struct {
	deps Deps
}

// NewUpdateTaskTool creates a new UpdateTaskTool instance.
func NewUpdateTaskTool(deps Deps) *UpdateTaskTool {
	return &UpdateTaskTool{deps: deps}
}

func (t *UpdateTaskTool) Name() string {
	return "update_task"
}

func (t *UpdateTaskTool) Description() string {
	return "Update fields of an existing task: title, description, status, priority or due date."
}

func (t *UpdateTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"taskId": map[string]any{
				"type":        "string",
				"description": "Id of the task to update",
			},
			"title":       map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
			"status": map[string]any{
				"type": "string",
				"enum": []string{"todo", "in_progress", "waiting_on", "done"},
			},
			"priority": map[string]any{
				"type": "string",
				"enum": []string{"low", "medium", "high"},
			},
			"dueDate": map[string]any{
				"type":        "string",
				"description": "RFC3339 or 'YYYY-MM-DD HH:MM' in the user's timezone",
			},
		},
		"required": []string{"taskId"},
	}
}

func (t *UpdateTaskTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed UpdateTaskArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.TaskID == "" {
		return failureResult("taskId is required")
	}

	task, err := t.deps.Store.GetTask(ctx, parsed.TaskID, t.deps.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundResult("task", parsed.TaskID)
		}
		return "", fmt.Errorf("failed to look up task: %w", err)
	}

	fields := map[string]any{}
	textChanged := false
	title, description := task.Title, task.Description

	if parsed.Title != "" && parsed.Title != task.Title {
		fields["title"] = parsed.Title
		title = parsed.Title
		textChanged = true
	}
	if parsed.Description != "" && parsed.Description != task.Description {
		fields["description"] = parsed.Description
		description = parsed.Description
		textChanged = true
	}
	if parsed.Status != "" {
		switch status := store.TaskStatus(parsed.Status); status {
		case store.TaskStatusTodo, store.TaskStatusInProgress, store.TaskStatusWaitingOn, store.TaskStatusDone:
			fields["status"] = status
			if status == store.TaskStatusDone {
				now := time.Now().UTC()
				fields["completed_at"] = &now
			}
		default:
			return failureResult(fmt.Sprintf("unknown status %q", parsed.Status))
		}
	}
	if parsed.Priority != "" {
		fields["priority"] = parsed.Priority
	}
	if parsed.DueDate != "" {
		due, err := t.deps.parseWhen(parsed.DueDate)
		if err != nil {
			return failureResult(fmt.Sprintf("unparsable dueDate %q", parsed.DueDate))
		}
		utc := due.UTC()
		fields["due_date"] = &utc
	}

	if textChanged && t.deps.Embedder != nil {
		vec, err := t.deps.Embedder.Embed(ctx, title+"\n"+description)
		if err != nil {
			t.deps.Logger.WarnCtx(ctx, "task re-embedding failed",
				logger.Field{Key: "task_id", Value: task.ID},
				logger.Field{Key: "error", Value: err.Error()})
		} else {
			fields["embedding"] = vec
		}
	}

	if len(fields) == 0 {
		return successResult(map[string]any{"task": map[string]any{"id": task.ID, "unchanged": true}})
	}

	if err := t.deps.Store.UpdateTaskFields(ctx, task.ID, fields); err != nil {
		return "", fmt.Errorf("failed to update task: %w", err)
	}

	return successResult(map[string]any{
		"task": map[string]any{"id": task.ID, "title": title},
	})
}

// ListTasksArgs represents the arguments for the list_tasks tool.
type ListTasksArgs struct {
	ProjectID string `json:"projectId,omitempty"`
}

// ListTasksTool lists the agent's open tasks.
type ListTasksTool struct {
	deps Deps
}

// NewListTasksTool creates a new ListTasksTool instance.
func NewListTasksTool(deps Deps) *ListTasksTool {
	return &ListTasksTool{deps: deps}
}

func (t *ListTasksTool) Name() string {
	return "list_tasks"
}

func (t *ListTasksTool) Description() string {
	return "List open agent-assigned tasks, optionally filtered by project."
}

func (t *ListTasksTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"projectId": map[string]any{
				"type":        "string",
				"description": "Optional project filter",
			},
		},
	}
}

func (t *ListTasksTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed ListTasksArgs
	if args != "" {
		if err := parseJSON(args, &parsed); err != nil {
			return invalidArgsResult(err)
		}
	}

	tasks, err := t.deps.Store.ListOpenAgentTasks(ctx, t.deps.AgentID, parsed.ProjectID)
	if err != nil {
		return "", fmt.Errorf("failed to list tasks: %w", err)
	}

	out := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		entry := map[string]any{
			"id":       task.ID,
			"title":    task.Title,
			"status":   task.Status,
			"priority": task.Priority,
		}
		if task.DueDate != nil {
			entry["dueDate"] = task.DueDate.Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	return successResult(map[string]any{"tasks": out, "count": len(out)})
}

// MarkTaskCompleteArgs represents the arguments for the mark_task_complete tool.
type MarkTaskCompleteArgs struct {
	TaskID     string `json:"taskId"`
	Resolution string `json:"resolution"`
}

// MarkTaskCompleteTool finishes a task: status done, resolution comment,
// notification. A successful call ends the agent run.
type MarkTaskCompleteTool struct {
	deps Deps
}

// NewMarkTaskCompleteTool creates a new MarkTaskCompleteTool instance.
func NewMarkTaskCompleteTool(deps Deps) *MarkTaskCompleteTool {
	return &MarkTaskCompleteTool{deps: deps}
}

func (t *MarkTaskCompleteTool) Name() string {
	return "mark_task_complete"
}

func (t *MarkTaskCompleteTool) Description() string {
	return "Mark a task as done with a short resolution summary. Call this when the work is finished; it ends the current run."
}

func (t *MarkTaskCompleteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"taskId": map[string]any{
				"type":        "string",
				"description": "Id of the task to complete",
			},
			"resolution": map[string]any{
				"type":        "string",
				"description": "What was done, in one or two sentences",
			},
		},
		"required": []string{"taskId", "resolution"},
	}
}

// TerminalState marks this tool as run-ending.
func (t *MarkTaskCompleteTool) TerminalState() store.AgentRunState {
	return store.RunStateCompleted
}

func (t *MarkTaskCompleteTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed MarkTaskCompleteArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.TaskID == "" || parsed.Resolution == "" {
		return failureResult("taskId and resolution are required")
	}

	task, err := t.deps.Store.GetTask(ctx, parsed.TaskID, t.deps.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundResult("task", parsed.TaskID)
		}
		return "", fmt.Errorf("failed to look up task: %w", err)
	}

	now := time.Now().UTC()
	fields := map[string]any{
		"status":          store.TaskStatusDone,
		"completed_at":    &now,
		"agent_run_state": store.RunStateCompleted,
	}
	if err := t.deps.Store.UpdateTaskFields(ctx, task.ID, fields); err != nil {
		return "", fmt.Errorf("failed to complete task: %w", err)
	}

	comment := &store.Comment{
		AgentID:    t.deps.AgentID,
		TaskID:     task.ID,
		AuthorType: "agent",
		Kind:       "resolution",
		Body:       parsed.Resolution,
	}
	if err := t.deps.Store.AddComment(ctx, comment); err != nil {
		return "", fmt.Errorf("failed to record resolution: %w", err)
	}

	if t.deps.Notifier != nil {
		_ = t.deps.Notifier.Notify(ctx, notify.Notification{
			AgentID: t.deps.AgentID,
			Kind:    notify.KindTaskUpdate,
			Title:   fmt.Sprintf("Task completed: %s", task.Title),
			Body:    parsed.Resolution,
			TaskID:  task.ID,
		})
	}

	return successResult(map[string]any{
		"task":    map[string]any{"id": task.ID, "status": store.TaskStatusDone},
		"stopped": true,
	})
}

// RequestHumanInputArgs represents the arguments for the request_human_input tool.
type RequestHumanInputArgs struct {
	TaskID   string `json:"taskId"`
	Question string `json:"question"`
}

// RequestHumanInputTool pauses a task waiting on the user: status
// waiting_on, question comment, notification. A successful call ends the
// agent run.
type RequestHumanInputTool struct {
	deps Deps
}

// NewRequestHumanInputTool creates a new RequestHumanInputTool instance.
func NewRequestHumanInputTool(deps Deps) *RequestHumanInputTool {
	return &RequestHumanInputTool{deps: deps}
}

func (t *RequestHumanInputTool) Name() string {
	return "request_human_input"
}

func (t *RequestHumanInputTool) Description() string {
	return "Ask the user a question you cannot answer yourself and pause the task until they respond. This ends the current run."
}

func (t *RequestHumanInputTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"taskId": map[string]any{
				"type":        "string",
				"description": "Id of the blocked task",
			},
			"question": map[string]any{
				"type":        "string",
				"description": "The question for the user",
			},
		},
		"required": []string{"taskId", "question"},
	}
}

// TerminalState marks this tool as run-ending.
func (t *RequestHumanInputTool) TerminalState() store.AgentRunState {
	return store.RunStateNeedsInput
}

func (t *RequestHumanInputTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed RequestHumanInputArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.TaskID == "" || parsed.Question == "" {
		return failureResult("taskId and question are required")
	}

	task, err := t.deps.Store.GetTask(ctx, parsed.TaskID, t.deps.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundResult("task", parsed.TaskID)
		}
		return "", fmt.Errorf("failed to look up task: %w", err)
	}

	fields := map[string]any{
		"status":          store.TaskStatusWaitingOn,
		"agent_run_state": store.RunStateNeedsInput,
	}
	if err := t.deps.Store.UpdateTaskFields(ctx, task.ID, fields); err != nil {
		return "", fmt.Errorf("failed to pause task: %w", err)
	}

	comment := &store.Comment{
		AgentID:    t.deps.AgentID,
		TaskID:     task.ID,
		AuthorType: "agent",
		Kind:       "question",
		Body:       parsed.Question,
	}
	if err := t.deps.Store.AddComment(ctx, comment); err != nil {
		return "", fmt.Errorf("failed to record question: %w", err)
	}

	if t.deps.Notifier != nil {
		_ = t.deps.Notifier.Notify(ctx, notify.Notification{
			AgentID: t.deps.AgentID,
			Kind:    notify.KindTaskUpdate,
			Title:   fmt.Sprintf("Input needed: %s", task.Title),
			Body:    parsed.Question,
			TaskID:  task.ID,
		})
	}

	return successResult(map[string]any{
		"task":    map[string]any{"id": task.ID, "status": store.TaskStatusWaitingOn},
		"stopped": true,
	})
}
