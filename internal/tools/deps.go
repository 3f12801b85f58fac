package tools

import (
	"context"
	"time"

	"github.com/kvashenko/valet/internal/embedding"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/mail"
	"github.com/kvashenko/valet/internal/notify"
	"github.com/kvashenko/valet/internal/sanitizer"
	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
)

// Store is the subset of the persistence gateway tools need.
type Store interface {
	CreateTask(ctx context.Context, task *store.Task) error
	GetTask(ctx context.Context, id, agentID string) (*store.Task, error)
	UpdateTaskFields(ctx context.Context, id string, fields map[string]any) error
	ListOpenAgentTasks(ctx context.Context, agentID, projectID string) ([]store.Task, error)

	CreateProject(ctx context.Context, project *store.Project) error
	GetProject(ctx context.Context, id, agentID string) (*store.Project, error)
	AddComment(ctx context.Context, comment *store.Comment) error

	InsertMemory(ctx context.Context, chunk *store.MemoryChunk) error
	SearchMemory(ctx context.Context, queryEmbedding store.Vector, agentID string, matchCount int, matchThreshold float64) ([]store.MemoryMatch, error)
}

// Deps carries everything a tool may need, bound at registry construction
// time. Tools never look anything up ambiently.
type Deps struct {
	AgentID        string
	UserID         string
	ConversationID string

	// Timezone is the agent's IANA timezone, used to interpret bare
	// datetimes in tool arguments.
	Timezone string

	Store     Store
	Scheduler *schedule.Scheduler
	Embedder  embedding.Client
	Mail      mail.Provider
	Notifier  notify.Notifier
	Sanitizer *sanitizer.Sanitizer
	Logger    *logger.Logger
}

// location resolves the agent's timezone, falling back to UTC.
func (d *Deps) location() *time.Location {
	if d.Timezone != "" {
		if loc, err := time.LoadLocation(d.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// parseWhen interprets a datetime argument. RFC3339 is taken as-is; a bare
// "2006-01-02 15:04" is read in the agent's timezone.
func (d *Deps) parseWhen(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02 15:04", value, d.location())
}

// NewAgentRegistry builds the full tool registry scoped to one agent run.
// Tools whose dependency is absent (no mail provider, no embedder) are
// simply not registered, so the model never sees capabilities it cannot
// use.
func NewAgentRegistry(deps Deps) (*Registry, error) {
	registry := NewRegistry()

	register := func(tool Tool) error { return registry.Register(tool) }

	if err := register(NewCurrentTimeTool(deps)); err != nil {
		return nil, err
	}
	if err := register(NewCreateTaskTool(deps)); err != nil {
		return nil, err
	}
	if err := register(NewUpdateTaskTool(deps)); err != nil {
		return nil, err
	}
	if err := register(NewListTasksTool(deps)); err != nil {
		return nil, err
	}
	if err := register(NewMarkTaskCompleteTool(deps)); err != nil {
		return nil, err
	}
	if err := register(NewRequestHumanInputTool(deps)); err != nil {
		return nil, err
	}
	if err := register(NewCreateProjectTool(deps)); err != nil {
		return nil, err
	}
	if err := register(NewAddCommentTool(deps)); err != nil {
		return nil, err
	}

	if deps.Scheduler != nil {
		for _, tool := range []Tool{
			NewScheduleReminderTool(deps),
			NewScheduleAgentTaskTool(deps),
			NewScheduleTaskFollowUpTool(deps),
			NewListScheduledJobsTool(deps),
			NewCancelScheduledJobTool(deps),
		} {
			if err := register(tool); err != nil {
				return nil, err
			}
		}
	}

	if deps.Embedder != nil {
		if err := register(NewSearchMemoryTool(deps)); err != nil {
			return nil, err
		}
		if err := register(NewSaveMemoryTool(deps)); err != nil {
			return nil, err
		}
	}

	if deps.Mail != nil {
		for _, tool := range []Tool{
			NewSendEmailTool(deps),
			NewReplyEmailTool(deps),
			NewCheckEmailTool(deps),
		} {
			if err := register(tool); err != nil {
				return nil, err
			}
		}
	}

	if err := register(NewResearchTool(deps, nil)); err != nil {
		return nil, err
	}

	return registry, nil
}
