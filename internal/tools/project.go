package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/store"
)

// CreateProjectArgs represents the arguments for the create_project tool.
type CreateProjectArgs struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateProjectTool creates a project owned by the bound agent.
type CreateProjectTool struct {
	deps Deps
}

// NewCreateProjectTool creates a new CreateProjectTool instance.
func NewCreateProjectTool(deps Deps) *CreateProjectTool {
	return &CreateProjectTool{deps: deps}
}

func (t *CreateProjectTool) Name() string {
	return "create_project"
}

func (t *CreateProjectTool) Description() string {
	return "Create a project to group related tasks."
}

func (t *CreateProjectTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "description": "Project name"},
			"description": map[string]any{"type": "string"},
		},
		"required": []string{"name"},
	}
}

func (t *CreateProjectTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed CreateProjectArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.Name == "" {
		return failureResult("name is required")
	}

	project := &store.Project{
		AgentID:     t.deps.AgentID,
		Name:        parsed.Name,
		Description: parsed.Description,
		Status:      "active",
	}

	if t.deps.Embedder != nil {
		vec, err := t.deps.Embedder.Embed(ctx, project.Name+"\n"+project.Description)
		if err != nil {
			t.deps.Logger.WarnCtx(ctx, "project embedding failed",
				logger.Field{Key: "error", Value: err.Error()})
		} else {
			project.Embedding = vec
		}
	}

	if err := t.deps.Store.CreateProject(ctx, project); err != nil {
		return "", fmt.Errorf("failed to create project: %w", err)
	}
	return successResult(map[string]any{
		"project": map[string]any{"id": project.ID, "name": project.Name},
	})
}

// AddCommentArgs represents the arguments for the add_comment tool.
type AddCommentArgs struct {
	TaskID string `json:"taskId"`
	Body   string `json:"body"`
}

// AddCommentTool appends a note to a task's comment trail.
type AddCommentTool struct {
	deps Deps
}

// NewAddCommentTool creates a new AddCommentTool instance.
func NewAddCommentTool(deps Deps) *AddCommentTool {
	return &AddCommentTool{deps: deps}
}

func (t *AddCommentTool) Name() string {
	return "add_comment"
}

func (t *AddCommentTool) Description() string {
	return "Add a progress note to a task. Use to record findings or intermediate results."
}

func (t *AddCommentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"taskId": map[string]any{"type": "string", "description": "Id of the task to comment on"},
			"body":   map[string]any{"type": "string", "description": "The note"},
		},
		"required": []string{"taskId", "body"},
	}
}

func (t *AddCommentTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed AddCommentArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.TaskID == "" || parsed.Body == "" {
		return failureResult("taskId and body are required")
	}

	task, err := t.deps.Store.GetTask(ctx, parsed.TaskID, t.deps.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundResult("task", parsed.TaskID)
		}
		return "", fmt.Errorf("failed to look up task: %w", err)
	}

	comment := &store.Comment{
		AgentID:    t.deps.AgentID,
		TaskID:     task.ID,
		AuthorType: "agent",
		Kind:       "note",
		Body:       parsed.Body,
	}
	if err := t.deps.Store.AddComment(ctx, comment); err != nil {
		return "", fmt.Errorf("failed to add comment: %w", err)
	}
	return successResult(map[string]any{"comment": map[string]any{"id": comment.ID, "taskId": task.ID}})
}
