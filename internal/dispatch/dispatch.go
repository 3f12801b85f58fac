package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kvashenko/valet/internal/activity"
	"github.com/kvashenko/valet/internal/agent/loop"
	"github.com/kvashenko/valet/internal/agent/prompts"
	"github.com/kvashenko/valet/internal/embedding"
	"github.com/kvashenko/valet/internal/llm"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/mail"
	"github.com/kvashenko/valet/internal/notify"
	"github.com/kvashenko/valet/internal/retry"
	"github.com/kvashenko/valet/internal/runstate"
	"github.com/kvashenko/valet/internal/sanitizer"
	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/tools"
)

const (
	// DefaultAgentTaskLimit bounds concurrent background agent runs across
	// the whole process.
	DefaultAgentTaskLimit = 5

	// DefaultProjectTaskLimit bounds concurrent background agent runs that
	// touch the same project.
	DefaultProjectTaskLimit = 2
)

// Dispatch step cursor values, written in order as each durable side effect
// completes. A crash-replay resumes after the recorded step.
const (
	stepConversation = "conversation"
	stepAgentRun     = "agent_run"
)

// Store is the persistence surface the dispatcher needs. It extends the tool
// store with job, execution and conversation access so one gateway backs the
// whole dispatch path.
type Store interface {
	tools.Store

	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetJob(ctx context.Context, id, agentID string) (*store.ScheduledJob, error)
	UpdateJobFields(ctx context.Context, id string, fields map[string]any) error

	CreateExecution(ctx context.Context, exec *store.JobExecution) error
	GetExecution(ctx context.Context, id string) (*store.JobExecution, error)
	ListRunningExecutions(ctx context.Context, before time.Time) ([]store.JobExecution, error)
	SetExecutionCursor(ctx context.Context, id, cursor string) error
	FinalizeExecution(ctx context.Context, id string, state store.ExecutionState, result []byte, errText string) error

	CreateConversation(ctx context.Context, c *store.Conversation) error
	FindConversationByExecution(ctx context.Context, executionID string) (*store.Conversation, error)
	AddMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
}

// Config wires the dispatcher's dependencies. Store, Scheduler and Logger
// are required; Provider is required only when agent_task jobs are
// dispatched.
type Config struct {
	Store     Store
	Scheduler *schedule.Scheduler
	Locks     *runstate.Coordinator
	Provider  llm.Provider
	Embedder  embedding.Client
	Mail      mail.Provider
	Notifier  notify.Notifier
	Sanitizer *sanitizer.Sanitizer
	Recorder  *activity.Recorder
	Metrics   *PrometheusMetrics
	Logger    *logger.Logger

	Model           string
	Persona         prompts.Persona
	BackgroundSteps int

	FailureThreshold int
	AgentTaskLimit   int
	ProjectTaskLimit int
	Retry            retry.Config

	// HTTPClient delivers webhook payloads. Defaults to a 15s-timeout
	// client.
	HTTPClient *http.Client
}

// Dispatcher routes due jobs to their action handlers.
type Dispatcher struct {
	cfg     Config
	breaker *Breaker

	agentSem chan struct{}

	mu       sync.Mutex
	projSems map[string]chan struct{}
}

// NewDispatcher validates the configuration and applies defaults.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Null{}
	}
	if cfg.AgentTaskLimit <= 0 {
		cfg.AgentTaskLimit = DefaultAgentTaskLimit
	}
	if cfg.ProjectTaskLimit <= 0 {
		cfg.ProjectTaskLimit = DefaultProjectTaskLimit
	}
	if cfg.BackgroundSteps <= 0 {
		cfg.BackgroundSteps = loop.DefaultBackgroundSteps
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Persona.Name == "" {
		cfg.Persona = prompts.DefaultPersona()
	}

	return &Dispatcher{
		cfg:      cfg,
		breaker:  NewBreaker(cfg.Store, cfg.Notifier, cfg.Logger, cfg.FailureThreshold),
		agentSem: make(chan struct{}, cfg.AgentTaskLimit),
		projSems: make(map[string]chan struct{}),
	}, nil
}

// Dispatch runs one due job: it creates a fresh execution record and drives
// it to a terminal state. Handler failures are captured on the execution and
// fed to the breaker rather than returned; only failures to record the
// execution itself surface as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, job *store.ScheduledJob) error {
	exec := &store.JobExecution{JobID: job.ID, AgentID: job.AgentID}
	if err := d.cfg.Store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return d.run(ctx, job, exec)
}

// Resume re-drives an execution found in the running state, typically after
// a crash. Terminal executions are a no-op; side effects already performed
// are skipped via the step cursor and the conversation idempotency key.
func (d *Dispatcher) Resume(ctx context.Context, executionID string) error {
	exec, err := d.cfg.Store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if exec.State != store.ExecutionRunning {
		return nil
	}
	job, err := d.cfg.Store.GetJob(ctx, exec.JobID, exec.AgentID)
	if err != nil {
		return fmt.Errorf("load job for execution %s: %w", exec.ID, err)
	}
	return d.run(ctx, job, exec)
}

// RecoverStale resumes every execution still marked running that started
// before the cutoff. Called once at startup with the process start time so
// attempts orphaned by a crash are re-driven from their step cursor.
func (d *Dispatcher) RecoverStale(ctx context.Context, before time.Time) error {
	execs, err := d.cfg.Store.ListRunningExecutions(ctx, before)
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}
	if len(execs) == 0 {
		return nil
	}

	d.cfg.Logger.Info("recovering interrupted executions",
		logger.Field{Key: "count", Value: len(execs)},
	)
	for i := range execs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rerr := d.Resume(ctx, execs[i].ID); rerr != nil {
			d.cfg.Logger.Error("failed to resume execution", rerr,
				logger.Field{Key: "execution_id", Value: execs[i].ID},
				logger.Field{Key: "job_id", Value: execs[i].JobID},
			)
		}
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, job *store.ScheduledJob, exec *store.JobExecution) error {
	start := time.Now()

	d.cfg.Logger.Info("dispatching job",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "execution_id", Value: exec.ID},
		logger.Field{Key: "action", Value: string(job.ActionType)},
		logger.Field{Key: "job_type", Value: string(job.JobType)},
	)

	payload, err := DecodePayload(job)
	if err != nil {
		// A malformed or unknown payload can never succeed; fail the
		// execution without retrying.
		return d.fail(ctx, job, exec, err, start)
	}

	var result []byte
	rerr := retry.DoWithRetry(ctx, func() error {
		res, herr := d.handle(ctx, job, exec, payload)
		if herr != nil {
			return herr
		}
		result = res
		return nil
	}, d.cfg.Retry)

	if rerr != nil {
		if errors.Is(rerr, runstate.ErrAlreadyLocked) {
			return d.skip(ctx, job, exec, rerr, start)
		}
		return d.fail(ctx, job, exec, rerr, start)
	}
	return d.succeed(ctx, job, exec, result, start)
}

func (d *Dispatcher) handle(ctx context.Context, job *store.ScheduledJob, exec *store.JobExecution, payload Payload) ([]byte, error) {
	switch p := payload.(type) {
	case *NotifyPayload:
		return d.handleNotify(ctx, job, exec, p)
	case *AgentTaskPayload:
		return d.handleAgentTask(ctx, job, exec, p)
	case *WebhookPayload:
		return d.handleWebhook(ctx, job, exec, p)
	default:
		return nil, retry.MarkPermanent(fmt.Errorf("%w: %T", ErrUnknownAction, payload))
	}
}

// succeed finalizes the execution, clears the breaker and advances the
// schedule. FinalizeExecution is guarded on the running state, so a replay
// that raced a completed attempt records nothing twice.
func (d *Dispatcher) succeed(ctx context.Context, job *store.ScheduledJob, exec *store.JobExecution, result []byte, start time.Time) error {
	if err := d.cfg.Store.FinalizeExecution(ctx, exec.ID, store.ExecutionSuccess, result, ""); err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	if err := d.breaker.RecordSuccess(ctx, job); err != nil {
		d.cfg.Logger.Warn("failed to clear job failure count",
			logger.Field{Key: "job_id", Value: job.ID},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}
	if err := d.cfg.Scheduler.Advance(ctx, job, time.Now()); err != nil {
		d.cfg.Logger.Error("failed to advance job schedule", err,
			logger.Field{Key: "job_id", Value: job.ID},
		)
		return fmt.Errorf("advance schedule: %w", err)
	}

	d.cfg.Metrics.RecordJob(string(job.ActionType), "success", time.Since(start))
	d.cfg.Logger.Info("job dispatched",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "execution_id", Value: exec.ID},
		logger.Field{Key: "duration", Value: time.Since(start).String()},
	)
	return nil
}

// fail finalizes the execution as failed and records the failure on the
// job. A cron job that is not paused still moves to its next natural slot;
// a once job stays due so the next poll retries it until the breaker pauses
// it.
func (d *Dispatcher) fail(ctx context.Context, job *store.ScheduledJob, exec *store.JobExecution, cause error, start time.Time) error {
	d.cfg.Logger.Error("job dispatch failed", cause,
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "execution_id", Value: exec.ID},
		logger.Field{Key: "action", Value: string(job.ActionType)},
	)

	if err := d.cfg.Store.FinalizeExecution(ctx, exec.ID, store.ExecutionFailed, nil, cause.Error()); err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}

	paused, err := d.breaker.RecordFailure(ctx, job, cause)
	if err != nil {
		d.cfg.Logger.Error("failed to record job failure", err,
			logger.Field{Key: "job_id", Value: job.ID},
		)
	}
	if paused {
		d.cfg.Metrics.RecordPause()
	}

	if !paused && job.ScheduleType == store.ScheduleCron {
		if err := d.advanceCron(ctx, job); err != nil {
			d.cfg.Logger.Error("failed to reschedule failed cron job", err,
				logger.Field{Key: "job_id", Value: job.ID},
			)
		}
	}

	d.commentFailure(ctx, job, cause, paused)
	d.cfg.Metrics.RecordJob(string(job.ActionType), "failure", time.Since(start))
	return nil
}

// skip handles lock contention on the linked task: another live run owns
// it. The execution fails with the contention error, but the breaker stays
// untouched because nothing about the job itself is broken.
func (d *Dispatcher) skip(ctx context.Context, job *store.ScheduledJob, exec *store.JobExecution, cause error, start time.Time) error {
	d.cfg.Logger.Info("skipping job, linked task is locked",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "execution_id", Value: exec.ID},
	)
	if err := d.cfg.Store.FinalizeExecution(ctx, exec.ID, store.ExecutionFailed, nil, cause.Error()); err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	if job.ScheduleType == store.ScheduleCron {
		if err := d.advanceCron(ctx, job); err != nil {
			d.cfg.Logger.Error("failed to reschedule skipped cron job", err,
				logger.Field{Key: "job_id", Value: job.ID},
			)
		}
	}
	d.cfg.Metrics.RecordJob(string(job.ActionType), "skipped", time.Since(start))
	return nil
}

// advanceCron moves a cron job to its next fire time without touching its
// status.
func (d *Dispatcher) advanceCron(ctx context.Context, job *store.ScheduledJob) error {
	next, err := d.cfg.Scheduler.NextCronRunAfter(job, time.Now())
	if err != nil {
		return err
	}
	return d.cfg.Store.UpdateJobFields(ctx, job.ID, map[string]any{"next_run_at": next})
}

// commentFailure leaves a failure note on the job's linked task so the
// breakdown is visible where the user already looks. Best-effort.
func (d *Dispatcher) commentFailure(ctx context.Context, job *store.ScheduledJob, cause error, paused bool) {
	if job.TaskID == nil {
		return
	}
	body := fmt.Sprintf("Scheduled job %q failed: %s", job.Title, cause.Error())
	if paused {
		body += " The job has been paused after repeated failures."
	}
	comment := &store.Comment{
		TaskID:     *job.TaskID,
		AgentID:    job.AgentID,
		AuthorType: "agent",
		Kind:       "failure",
		Body:       body,
	}
	if err := d.cfg.Store.AddComment(ctx, comment); err != nil {
		d.cfg.Logger.Warn("failed to comment job failure on task",
			logger.Field{Key: "task_id", Value: *job.TaskID},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}
}

// conversationFor returns the conversation tied to this execution, creating
// it on first use. The execution id doubles as the idempotency key: a
// replayed execution reuses the existing thread instead of opening a second
// one. The seeded flag reports whether the thread already holds its opening
// message; a retry whose previous attempt created the conversation but died
// before seeding it still sees seeded=false.
func (d *Dispatcher) conversationFor(ctx context.Context, job *store.ScheduledJob, exec *store.JobExecution, channel string) (conv *store.Conversation, seeded bool, err error) {
	conv, err = d.cfg.Store.FindConversationByExecution(ctx, exec.ID)
	if err == nil {
		seeded, err = d.conversationSeeded(ctx, conv.ID)
		if err != nil {
			return nil, false, err
		}
		return conv, seeded, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("find conversation: %w", err)
	}

	execID := exec.ID
	conv = &store.Conversation{
		AgentID:           job.AgentID,
		Title:             job.Title,
		Channel:           channel,
		OriginExecutionID: &execID,
	}
	if cerr := d.cfg.Store.CreateConversation(ctx, conv); cerr != nil {
		// The unique index on the execution id turns a replay race into
		// a lookup.
		if existing, ferr := d.cfg.Store.FindConversationByExecution(ctx, exec.ID); ferr == nil {
			seeded, err = d.conversationSeeded(ctx, existing.ID)
			if err != nil {
				return nil, false, err
			}
			return existing, seeded, nil
		}
		return nil, false, fmt.Errorf("create conversation: %w", cerr)
	}
	return conv, false, nil
}

func (d *Dispatcher) conversationSeeded(ctx context.Context, conversationID string) (bool, error) {
	msgs, err := d.cfg.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("list conversation messages: %w", err)
	}
	return len(msgs) > 0, nil
}

// markConversationStep records the conversation step as durably complete.
// Only called after the opening message is persisted; the cursor write
// itself is best-effort because the message presence check covers a replay
// that missed it.
func (d *Dispatcher) markConversationStep(ctx context.Context, executionID string) {
	if err := d.cfg.Store.SetExecutionCursor(ctx, executionID, stepConversation); err != nil {
		d.cfg.Logger.Warn("failed to record execution step",
			logger.Field{Key: "execution_id", Value: executionID},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}
}

// acquireAgentSlot enforces the global and per-project concurrency caps for
// background agent runs. It blocks until a slot frees or ctx is done, and
// returns a release func.
func (d *Dispatcher) acquireAgentSlot(ctx context.Context, projectID *string) (func(), error) {
	select {
	case d.agentSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if projectID == nil {
		return func() { <-d.agentSem }, nil
	}

	sem := d.projectSem(*projectID)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		<-d.agentSem
		return nil, ctx.Err()
	}
	return func() {
		<-sem
		<-d.agentSem
	}, nil
}

func (d *Dispatcher) projectSem(projectID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.projSems[projectID]
	if !ok {
		sem = make(chan struct{}, d.cfg.ProjectTaskLimit)
		d.projSems[projectID] = sem
	}
	return sem
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
