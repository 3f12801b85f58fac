package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kvashenko/valet/internal/agent/loop"
	"github.com/kvashenko/valet/internal/agent/prompts"
	"github.com/kvashenko/valet/internal/llm"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/notify"
	"github.com/kvashenko/valet/internal/retry"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/tools"
)

// handleAgentTask runs a background agent with the scheduled instruction.
// When the job is linked to a task the run holds the task's run-state lock
// for its duration; contention surfaces as runstate.ErrAlreadyLocked and is
// treated as a skip by the caller.
func (d *Dispatcher) handleAgentTask(ctx context.Context, job *store.ScheduledJob, exec *store.JobExecution, p *AgentTaskPayload) ([]byte, error) {
	if d.cfg.Provider == nil {
		return nil, retry.MarkPermanent(fmt.Errorf("agent_task dispatched but no LLM provider is configured"))
	}

	// A replay past the agent step must not run the model a second time.
	if exec.StepCursor == stepAgentRun {
		conv, _, err := d.conversationFor(ctx, job, exec, "agent")
		if err != nil {
			return nil, err
		}
		return mustJSON(map[string]any{
			"conversationId": conv.ID,
			"resumed":        true,
		}), nil
	}

	release, err := d.acquireAgentSlot(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}
	defer release()

	var task *store.Task
	if job.TaskID != nil {
		t, err := d.cfg.Store.GetTask(ctx, *job.TaskID, job.AgentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, retry.MarkPermanent(fmt.Errorf("linked task %s not found", *job.TaskID))
			}
			return nil, fmt.Errorf("load linked task: %w", err)
		}
		task = t
	}

	finalState := store.RunStateFailed
	if task != nil && d.cfg.Locks != nil {
		if err := d.cfg.Locks.Acquire(ctx, task.ID); err != nil {
			return nil, retry.MarkPermanent(err)
		}
		taskID := task.ID
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if rerr := d.cfg.Locks.Release(rctx, taskID, finalState); rerr != nil {
				d.cfg.Logger.Error("failed to release task run lock", rerr,
					logger.Field{Key: "task_id", Value: taskID},
				)
			}
		}()
	}

	conv, seeded, err := d.conversationFor(ctx, job, exec, "agent")
	if err != nil {
		return nil, err
	}

	res, err := d.executeAgentRun(ctx, agentRunRequest{
		agentID:      job.AgentID,
		conversation: conv,
		task:         task,
		instruction:  p.Instruction,
		seed:         !seeded,
		executionID:  exec.ID,
		maxSteps:     d.cfg.BackgroundSteps,
	})
	if err != nil {
		return nil, err
	}
	finalState = runFinalState(res)

	if err := d.cfg.Store.SetExecutionCursor(ctx, exec.ID, stepAgentRun); err != nil {
		d.cfg.Logger.Warn("failed to record execution step",
			logger.Field{Key: "execution_id", Value: exec.ID},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}

	d.notifyAgentRun(ctx, job, res)

	return mustJSON(map[string]any{
		"conversationId": conv.ID,
		"steps":          res.Steps,
		"stopped":        res.Stopped,
		"summary":        truncate(res.FinalText, 500),
	}), nil
}

// agentRunRequest parameterizes one background agent run. The caller owns
// the task lock; seed controls whether the instruction is persisted as the
// opening user message (false on replay, the thread already has it).
// executionID, when set, ties the run to a job execution so the seed write
// advances its step cursor.
type agentRunRequest struct {
	agentID      string
	conversation *store.Conversation
	task         *store.Task
	instruction  string
	seed         bool
	executionID  string
	maxSteps     int
}

// executeAgentRun is the shared core of every background agent run: build a
// scoped tool registry, assemble the system prompt, drive the model loop and
// persist the outcome on the conversation.
func (d *Dispatcher) executeAgentRun(ctx context.Context, req agentRunRequest) (*loop.Result, error) {
	agent, err := d.cfg.Store.GetAgent(ctx, req.agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	if req.seed {
		msg := &store.Message{
			ConversationID: req.conversation.ID,
			AgentID:        req.agentID,
			Role:           string(llm.RoleUser),
			Content:        req.instruction,
		}
		if err := d.cfg.Store.AddMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("record instruction: %w", err)
		}
		if req.executionID != "" {
			d.markConversationStep(ctx, req.executionID)
		}
	}

	registry, err := tools.NewAgentRegistry(tools.Deps{
		AgentID:        agent.ID,
		UserID:         agent.UserID,
		ConversationID: req.conversation.ID,
		Timezone:       agent.Timezone,
		Store:          d.cfg.Store,
		Scheduler:      d.cfg.Scheduler,
		Embedder:       d.cfg.Embedder,
		Mail:           d.cfg.Mail,
		Notifier:       d.cfg.Notifier,
		Sanitizer:      d.cfg.Sanitizer,
		Logger:         d.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	capabilities := make([]string, 0, len(registry.List()))
	for _, tool := range registry.List() {
		capabilities = append(capabilities, tool.Name())
	}

	persona := d.cfg.Persona
	if agent.Persona != "" {
		instructions := make([]string, len(persona.Instructions), len(persona.Instructions)+1)
		copy(instructions, persona.Instructions)
		persona.Instructions = append(instructions, agent.Persona)
	}

	var taskCtx *prompts.TaskContext
	if req.task != nil {
		taskCtx = &prompts.TaskContext{
			TaskID:      req.task.ID,
			Title:       req.task.Title,
			Description: req.task.Description,
			Status:      string(req.task.Status),
		}
		if req.task.ProjectID != nil {
			if project, perr := d.cfg.Store.GetProject(ctx, *req.task.ProjectID, req.agentID); perr == nil {
				taskCtx.ProjectName = project.Name
			}
		}
	}

	builder := prompts.NewBuilder(persona, agent.Timezone)
	system := builder.Build(time.Now(), capabilities, taskCtx)

	var observer loop.Observer
	if d.cfg.Recorder != nil {
		observer = d.cfg.Recorder.For(req.agentID, req.conversation.ID)
	}

	runner, err := loop.NewRunner(loop.Config{
		Provider: d.cfg.Provider,
		Registry: registry,
		Logger:   d.cfg.Logger,
		Model:    d.cfg.Model,
		MaxSteps: req.maxSteps,
		Observer: observer,
	})
	if err != nil {
		return nil, fmt.Errorf("build agent runner: %w", err)
	}

	d.cfg.Metrics.AgentRunStarted()
	defer d.cfg.Metrics.AgentRunFinished()

	res, err := runner.Run(ctx, system, []llm.Message{
		{Role: llm.RoleUser, Content: req.instruction},
	})
	if err != nil {
		return nil, fmt.Errorf("agent run: %w", err)
	}
	d.cfg.Metrics.RecordAgentRun(res.Steps)

	if res.FinalText != "" {
		msg := &store.Message{
			ConversationID: req.conversation.ID,
			AgentID:        req.agentID,
			Role:           string(llm.RoleAssistant),
			Content:        res.FinalText,
		}
		if err := d.cfg.Store.AddMessage(ctx, msg); err != nil {
			d.cfg.Logger.Warn("failed to persist agent reply",
				logger.Field{Key: "conversation_id", Value: req.conversation.ID},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	return res, nil
}

// runFinalState maps a loop result onto the task's run state. A terminal
// tool dictates the state; otherwise reaching the end of the run counts as
// completed.
func runFinalState(res *loop.Result) store.AgentRunState {
	if res.Stopped && res.TerminalState != "" {
		return res.TerminalState
	}
	return store.RunStateCompleted
}

// notifyAgentRun tells the user a background run finished. Best-effort.
func (d *Dispatcher) notifyAgentRun(ctx context.Context, job *store.ScheduledJob, res *loop.Result) {
	body := res.FinalText
	if body == "" {
		body = fmt.Sprintf("Finished after %d steps.", res.Steps)
	}
	n := notify.Notification{
		AgentID: job.AgentID,
		Kind:    notify.KindAgentRun,
		Title:   job.Title,
		Body:    truncate(body, 1000),
		JobID:   job.ID,
	}
	if job.TaskID != nil {
		n.TaskID = *job.TaskID
	}
	if err := d.cfg.Notifier.Notify(ctx, n); err != nil {
		d.cfg.Logger.Warn("failed to deliver agent run notification",
			logger.Field{Key: "job_id", Value: job.ID},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
