package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/runstate"
	"github.com/kvashenko/valet/internal/store"
)

// DefaultTaskCooldown is the pause between consecutive tasks in a project
// work session, keeping LLM and tool traffic at a sustainable rate.
const DefaultTaskCooldown = 5 * time.Second

// ProjectWorkRequest starts a work session over a project's open
// agent-assigned tasks.
type ProjectWorkRequest struct {
	AgentID   string
	ProjectID string

	// Instruction overrides the default per-task instruction when set.
	Instruction string

	// Cooldown between tasks; <= 0 means the default.
	Cooldown time.Duration
}

// ProjectWorkResult summarizes one work session.
type ProjectWorkResult struct {
	Processed int
	Skipped   int
	Failed    int
}

// RunProjectWork processes a project's open agent tasks sequentially, one
// agent run per task, with a cooldown between tasks. Tasks locked by another
// live run are skipped; one task failing does not stop the session.
func (d *Dispatcher) RunProjectWork(ctx context.Context, req ProjectWorkRequest) (*ProjectWorkResult, error) {
	if d.cfg.Provider == nil {
		return nil, fmt.Errorf("project work requested but no LLM provider is configured")
	}

	project, err := d.cfg.Store.GetProject(ctx, req.ProjectID, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	tasks, err := d.cfg.Store.ListOpenAgentTasks(ctx, req.AgentID, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list project tasks: %w", err)
	}

	cooldown := req.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultTaskCooldown
	}

	d.cfg.Logger.Info("starting project work session",
		logger.Field{Key: "project_id", Value: project.ID},
		logger.Field{Key: "project", Value: project.Name},
		logger.Field{Key: "open_tasks", Value: len(tasks)},
	)

	result := &ProjectWorkResult{}
	for i := range tasks {
		if i > 0 {
			select {
			case <-time.After(cooldown):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}

		task := tasks[i]
		err := d.RunTask(ctx, req.AgentID, task.ID, req.Instruction)
		switch {
		case errors.Is(err, runstate.ErrAlreadyLocked):
			result.Skipped++
		case err != nil:
			result.Failed++
			d.cfg.Logger.Error("project task run failed", err,
				logger.Field{Key: "task_id", Value: task.ID},
				logger.Field{Key: "project_id", Value: project.ID},
			)
		default:
			result.Processed++
		}
	}

	d.cfg.Logger.Info("project work session finished",
		logger.Field{Key: "project_id", Value: project.ID},
		logger.Field{Key: "processed", Value: result.Processed},
		logger.Field{Key: "skipped", Value: result.Skipped},
		logger.Field{Key: "failed", Value: result.Failed},
	)
	return result, nil
}

// RunTask runs one background agent pass over a single task: it takes the
// task's run-state lock, opens a fresh conversation and lets the agent work
// until a terminal tool or the step bound. Lock contention returns
// runstate.ErrAlreadyLocked.
func (d *Dispatcher) RunTask(ctx context.Context, agentID, taskID, instruction string) error {
	if d.cfg.Provider == nil {
		return fmt.Errorf("task run requested but no LLM provider is configured")
	}

	task, err := d.cfg.Store.GetTask(ctx, taskID, agentID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	release, err := d.acquireAgentSlot(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	defer release()

	if d.cfg.Locks != nil {
		if err := d.cfg.Locks.Acquire(ctx, task.ID); err != nil {
			return err
		}
	}
	finalState := store.RunStateFailed
	defer func() {
		if d.cfg.Locks == nil {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := d.cfg.Locks.Release(rctx, task.ID, finalState); rerr != nil {
			d.cfg.Logger.Error("failed to release task run lock", rerr,
				logger.Field{Key: "task_id", Value: task.ID},
			)
		}
	}()

	if instruction == "" {
		instruction = fmt.Sprintf(
			"Work on the task %q. %s\nTake it as far as you can. Call mark_task_complete when it is done, or request_human_input if you are blocked.",
			task.Title, task.Description)
	}

	conv := &store.Conversation{
		AgentID: agentID,
		Title:   fmt.Sprintf("Working on: %s", task.Title),
		Channel: "agent",
	}
	if err := d.cfg.Store.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	res, err := d.executeAgentRun(ctx, agentRunRequest{
		agentID:      agentID,
		conversation: conv,
		task:         task,
		instruction:  instruction,
		seed:         true,
		maxSteps:     d.cfg.BackgroundSteps,
	})
	if err != nil {
		return err
	}
	finalState = runFinalState(res)
	return nil
}
