// Package schedule implements the scheduled-job store: creation with
// exactly-one-of validation, timezone-aware cron evaluation, due-job queries
// and next-run advancement. It uses robfig/cron/v3 for cron expression
// parsing so a "9am Monday" job fires at 9am in the job's configured
// timezone, not UTC.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/store"
)

// ErrValidation marks a malformed job spec: both or neither scheduling
// fields, a bad cron expression, an unparsable datetime or an unknown
// timezone. Validation failures are rejected synchronously and never
// persisted.
var ErrValidation = errors.New("validation error")

// Store is the subset of the persistence gateway the scheduler needs.
type Store interface {
	CreateJob(ctx context.Context, job *store.ScheduledJob) error
	GetJob(ctx context.Context, id, agentID string) (*store.ScheduledJob, error)
	ListJobs(ctx context.Context, agentID string) ([]store.ScheduledJob, error)
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]store.ScheduledJob, error)
	UpdateJobFields(ctx context.Context, id string, fields map[string]any) error
}

// JobSpec describes a job to create. Exactly one of RunAt/CronExpression
// must be set, matching the intended schedule type.
type JobSpec struct {
	AgentID     string
	JobType     store.JobType
	Title       string
	Description string

	RunAt          *time.Time
	CronExpression string
	Timezone       string

	ActionType    store.ActionType
	ActionPayload any

	TaskID         *string
	ProjectID      *string
	ConversationID *string
}

// Scheduler manages scheduled job records and their next-run computation.
type Scheduler struct {
	store  Store
	logger *logger.Logger
	parser cron.Parser
}

// NewScheduler creates a new Scheduler.
func NewScheduler(st Store, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		logger: log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// CreateJob validates the spec, computes the first next_run_at and persists
// the job. For once jobs next_run_at is the normalized UTC run time; for
// cron jobs it is the next fire time of the expression evaluated in the
// job's timezone.
func (s *Scheduler) CreateJob(ctx context.Context, spec JobSpec) (*store.ScheduledJob, error) {
	if spec.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrValidation)
	}
	if spec.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}

	hasRunAt := spec.RunAt != nil
	hasCron := spec.CronExpression != ""
	if hasRunAt == hasCron {
		return nil, fmt.Errorf("%w: exactly one of runAt and cronExpression must be set", ErrValidation)
	}

	tz := spec.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrValidation, tz)
	}

	job := &store.ScheduledJob{
		AgentID:        spec.AgentID,
		JobType:        spec.JobType,
		Title:          spec.Title,
		Description:    spec.Description,
		Timezone:       tz,
		ActionType:     spec.ActionType,
		TaskID:         spec.TaskID,
		ProjectID:      spec.ProjectID,
		ConversationID: spec.ConversationID,
		Status:         store.JobStatusActive,
	}

	switch spec.ActionType {
	case store.ActionNotify, store.ActionAgentTask, store.ActionWebhook:
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrValidation, spec.ActionType)
	}

	payload, err := json.Marshal(spec.ActionPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: action payload is not serializable", ErrValidation)
	}
	job.ActionPayload = payload

	if hasRunAt {
		runAt := spec.RunAt.UTC()
		job.ScheduleType = store.ScheduleOnce
		job.RunAt = &runAt
		job.NextRunAt = runAt
	} else {
		next, err := s.nextCronRun(spec.CronExpression, loc, time.Now())
		if err != nil {
			return nil, err
		}
		expr := spec.CronExpression
		job.ScheduleType = store.ScheduleCron
		job.CronExpression = &expr
		job.NextRunAt = next
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	s.logger.InfoCtx(ctx, "scheduled job created",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "schedule_type", Value: job.ScheduleType},
		logger.Field{Key: "action_type", Value: job.ActionType},
		logger.Field{Key: "next_run_at", Value: job.NextRunAt})

	return job, nil
}

// ListDueJobs returns active jobs whose next_run_at has passed, oldest-due
// first so a backlog is drained fairly.
func (s *Scheduler) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]store.ScheduledJob, error) {
	return s.store.ListDueJobs(ctx, now.UTC(), limit)
}

// Advance moves a job past a completed run. A once job transitions to
// completed and never fires again; a cron job gets a next_run_at strictly
// after now, evaluated in the job's timezone.
func (s *Scheduler) Advance(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	switch job.ScheduleType {
	case store.ScheduleOnce:
		return s.store.UpdateJobFields(ctx, job.ID, map[string]any{
			"status": store.JobStatusCompleted,
		})
	case store.ScheduleCron:
		next, err := s.NextCronRunAfter(job, now)
		if err != nil {
			return err
		}
		return s.store.UpdateJobFields(ctx, job.ID, map[string]any{
			"next_run_at": next,
		})
	default:
		return fmt.Errorf("%w: unknown schedule type %q", ErrValidation, job.ScheduleType)
	}
}

// NextCronRunAfter computes the next fire time of a cron job strictly after
// now, in the job's stored timezone, returned as a UTC instant.
func (s *Scheduler) NextCronRunAfter(job *store.ScheduledJob, now time.Time) (time.Time, error) {
	if job.CronExpression == nil {
		return time.Time{}, fmt.Errorf("%w: cron job %s has no cron expression", ErrValidation, job.ID)
	}
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unknown timezone %q", ErrValidation, job.Timezone)
	}
	return s.nextCronRun(*job.CronExpression, loc, now)
}

// nextCronRun evaluates expr in loc and returns the next fire time strictly
// after now as UTC.
func (s *Scheduler) nextCronRun(expr string, loc *time.Location, now time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid cron expression %q: %v", ErrValidation, expr, err)
	}
	// robfig Next is strictly-after, which prevents re-firing the same
	// instant.
	return sched.Next(now.In(loc)).UTC(), nil
}

// JobPatch holds the mutable fields of a job. Nil fields are left untouched.
type JobPatch struct {
	Title          *string
	Description    *string
	RunAt          *time.Time
	CronExpression *string
	Timezone       *string
	Status         *store.JobStatus
	ActionPayload  any
}

// UpdateJob applies a patch to a job. Retiming a cron job (new expression or
// timezone) recomputes next_run_at immediately.
func (s *Scheduler) UpdateJob(ctx context.Context, id, agentID string, patch JobPatch) (*store.ScheduledJob, error) {
	job, err := s.store.GetJob(ctx, id, agentID)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if patch.Title != nil {
		fields["title"] = *patch.Title
	}
	if patch.Description != nil {
		fields["description"] = *patch.Description
	}
	if patch.Status != nil {
		switch *patch.Status {
		case store.JobStatusActive, store.JobStatusPaused:
			fields["status"] = *patch.Status
			if *patch.Status == store.JobStatusActive {
				// Resuming clears the breaker state.
				fields["failure_count"] = 0
			}
		default:
			return nil, fmt.Errorf("%w: status can only be set to active or paused", ErrValidation)
		}
	}
	if patch.ActionPayload != nil {
		payload, err := json.Marshal(patch.ActionPayload)
		if err != nil {
			return nil, fmt.Errorf("%w: action payload is not serializable", ErrValidation)
		}
		fields["action_payload"] = payload
	}

	tz := job.Timezone
	if patch.Timezone != nil {
		tz = *patch.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrValidation, tz)
	}
	if patch.Timezone != nil {
		fields["timezone"] = tz
	}

	switch {
	case patch.RunAt != nil && patch.CronExpression != nil:
		return nil, fmt.Errorf("%w: exactly one of runAt and cronExpression may be patched", ErrValidation)
	case patch.RunAt != nil:
		if job.ScheduleType != store.ScheduleOnce {
			return nil, fmt.Errorf("%w: cannot set runAt on a cron job", ErrValidation)
		}
		runAt := patch.RunAt.UTC()
		fields["run_at"] = &runAt
		fields["next_run_at"] = runAt
	case patch.CronExpression != nil:
		if job.ScheduleType != store.ScheduleCron {
			return nil, fmt.Errorf("%w: cannot set cronExpression on a once job", ErrValidation)
		}
		next, err := s.nextCronRun(*patch.CronExpression, loc, time.Now())
		if err != nil {
			return nil, err
		}
		fields["cron_expression"] = *patch.CronExpression
		fields["next_run_at"] = next
	case patch.Timezone != nil && job.ScheduleType == store.ScheduleCron:
		// Timezone change alone retimes a cron job.
		next, err := s.nextCronRun(*job.CronExpression, loc, time.Now())
		if err != nil {
			return nil, err
		}
		fields["next_run_at"] = next
	}

	if len(fields) == 0 {
		return job, nil
	}

	if err := s.store.UpdateJobFields(ctx, id, fields); err != nil {
		return nil, err
	}
	return s.store.GetJob(ctx, id, agentID)
}

// CancelJob sets the job status to cancelled. Idempotent: cancelling an
// already-cancelled job succeeds. History is retained for audit; jobs are
// never hard-deleted.
func (s *Scheduler) CancelJob(ctx context.Context, id, agentID string) error {
	if _, err := s.store.GetJob(ctx, id, agentID); err != nil {
		return err
	}
	return s.store.UpdateJobFields(ctx, id, map[string]any{
		"status": store.JobStatusCancelled,
	})
}

// GetJob fetches one job scoped to its owning agent.
func (s *Scheduler) GetJob(ctx context.Context, id, agentID string) (*store.ScheduledJob, error) {
	return s.store.GetJob(ctx, id, agentID)
}

// ListJobs lists all of an agent's jobs.
func (s *Scheduler) ListJobs(ctx context.Context, agentID string) ([]store.ScheduledJob, error) {
	return s.store.ListJobs(ctx, agentID)
}

// HumanNextRun renders a job's next run time in its own timezone for
// user-facing messages.
func HumanNextRun(job *store.ScheduledJob) string {
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		return job.NextRunAt.Format(time.RFC1123)
	}
	return job.NextRunAt.In(loc).Format("Mon, 02 Jan 2006 15:04 MST")
}
