package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
)

// scheduleParams are the shared scheduling arguments. Exactly one of RunAt
// and CronExpression must be set; the job store enforces the same rule, so
// the check here only exists to give the model a cleaner error message.
type scheduleParams struct {
	RunAt          string `json:"runAt,omitempty"`
	CronExpression string `json:"cronExpression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

func scheduleProperty() map[string]any {
	return map[string]any{
		"runAt": map[string]any{
			"type":        "string",
			"description": "One-time run, RFC3339 or 'YYYY-MM-DD HH:MM' in the user's timezone. Mutually exclusive with cronExpression",
		},
		"cronExpression": map[string]any{
			"type":        "string",
			"description": "Recurring schedule, standard 5-field cron. Mutually exclusive with runAt",
		},
		"timezone": map[string]any{
			"type":        "string",
			"description": "IANA timezone for the schedule, defaults to the user's timezone",
		},
	}
}

// buildSpec turns shared scheduling arguments into a JobSpec.
func (t scheduleParams) buildSpec(deps Deps) (schedule.JobSpec, string, bool) {
	spec := schedule.JobSpec{
		AgentID:        deps.AgentID,
		CronExpression: t.CronExpression,
		Timezone:       t.Timezone,
		ConversationID: optional(deps.ConversationID),
	}
	if spec.Timezone == "" {
		spec.Timezone = deps.Timezone
	}
	if t.RunAt != "" {
		ts, err := deps.parseWhen(t.RunAt)
		if err != nil {
			return spec, fmt.Sprintf("unparsable runAt %q", t.RunAt), false
		}
		spec.RunAt = &ts
	}
	return spec, "", true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jobSummary renders the created job for the model.
func jobSummary(job *store.ScheduledJob) map[string]any {
	summary := map[string]any{
		"id":    job.ID,
		"title": job.Title,
	}
	if job.ScheduleType == store.ScheduleOnce {
		summary["scheduledFor"] = job.NextRunAt.Format(time.RFC3339)
	} else {
		summary["nextRun"] = job.NextRunAt.Format(time.RFC3339)
	}
	return summary
}

// ScheduleReminderArgs represents the arguments for the schedule_reminder tool.
type ScheduleReminderArgs struct {
	scheduleParams
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// ScheduleReminderTool schedules a notify job.
type ScheduleReminderTool struct {
	deps Deps
}

// NewScheduleReminderTool creates a new ScheduleReminderTool instance.
func NewScheduleReminderTool(deps Deps) *ScheduleReminderTool {
	return &ScheduleReminderTool{deps: deps}
}

func (t *ScheduleReminderTool) Name() string {
	return "schedule_reminder"
}

func (t *ScheduleReminderTool) Description() string {
	return "Schedule a reminder notification, one-time or recurring."
}

func (t *ScheduleReminderTool) Parameters() map[string]any {
	props := scheduleProperty()
	props["title"] = map[string]any{
		"type":        "string",
		"description": "What to remind about",
	}
	props["message"] = map[string]any{
		"type":        "string",
		"description": "Optional notification body",
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"title"},
	}
}

func (t *ScheduleReminderTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed ScheduleReminderArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}

	spec, msg, ok := parsed.buildSpec(t.deps)
	if !ok {
		return failureResult(msg)
	}
	spec.JobType = store.JobTypeReminder
	spec.Title = parsed.Title
	spec.ActionType = store.ActionNotify
	spec.ActionPayload = map[string]any{"message": parsed.Message}

	job, err := t.deps.Scheduler.CreateJob(ctx, spec)
	if err != nil {
		if errors.Is(err, schedule.ErrValidation) {
			return failureResult(err.Error())
		}
		return "", err
	}
	return successResult(map[string]any{"job": jobSummary(job)})
}

// ScheduleAgentTaskArgs represents the arguments for the schedule_agent_task tool.
type ScheduleAgentTaskArgs struct {
	scheduleParams
	Title       string `json:"title"`
	Instruction string `json:"instruction"`
	TaskID      string `json:"taskId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
}

// ScheduleAgentTaskTool schedules a background agent run with an
// instruction.
type ScheduleAgentTaskTool struct {
	deps Deps
}

// NewScheduleAgentTaskTool creates a new ScheduleAgentTaskTool instance.
func NewScheduleAgentTaskTool(deps Deps) *ScheduleAgentTaskTool {
	return &ScheduleAgentTaskTool{deps: deps}
}

func (t *ScheduleAgentTaskTool) Name() string {
	return "schedule_agent_task"
}

func (t *ScheduleAgentTaskTool) Description() string {
	return "Schedule a background agent run with an instruction, one-time or recurring. Use for work that should happen later without the user present."
}

func (t *ScheduleAgentTaskTool) Parameters() map[string]any {
	props := scheduleProperty()
	props["title"] = map[string]any{
		"type":        "string",
		"description": "Short name for the scheduled run",
	}
	props["instruction"] = map[string]any{
		"type":        "string",
		"description": "What the agent should do when the job fires",
	}
	props["taskId"] = map[string]any{
		"type":        "string",
		"description": "Optional task to bind the run to",
	}
	props["projectId"] = map[string]any{
		"type":        "string",
		"description": "Optional project context",
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"title", "instruction"},
	}
}

func (t *ScheduleAgentTaskTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed ScheduleAgentTaskArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.Instruction == "" {
		return failureResult("instruction is required")
	}

	if parsed.TaskID != "" {
		if _, err := t.deps.Store.GetTask(ctx, parsed.TaskID, t.deps.AgentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFoundResult("task", parsed.TaskID)
			}
			return "", fmt.Errorf("failed to look up task: %w", err)
		}
	}

	spec, msg, ok := parsed.buildSpec(t.deps)
	if !ok {
		return failureResult(msg)
	}
	spec.JobType = store.JobTypeOneTime
	if parsed.CronExpression != "" {
		spec.JobType = store.JobTypeRecurring
	}
	spec.Title = parsed.Title
	spec.ActionType = store.ActionAgentTask
	spec.TaskID = optional(parsed.TaskID)
	spec.ProjectID = optional(parsed.ProjectID)
	spec.ActionPayload = map[string]any{"instruction": parsed.Instruction}

	job, err := t.deps.Scheduler.CreateJob(ctx, spec)
	if err != nil {
		if errors.Is(err, schedule.ErrValidation) {
			return failureResult(err.Error())
		}
		return "", err
	}
	return successResult(map[string]any{"job": jobSummary(job)})
}

// ScheduleTaskFollowUpArgs represents the arguments for the schedule_task_follow_up tool.
type ScheduleTaskFollowUpArgs struct {
	scheduleParams
	TaskID string `json:"taskId"`
	Note   string `json:"note,omitempty"`
}

// ScheduleTaskFollowUpTool schedules a one-time or recurring follow-up on
// an existing task: when it fires, the agent re-examines the task.
type ScheduleTaskFollowUpTool struct {
	deps Deps
}

// NewScheduleTaskFollowUpTool creates a new ScheduleTaskFollowUpTool instance.
func NewScheduleTaskFollowUpTool(deps Deps) *ScheduleTaskFollowUpTool {
	return &ScheduleTaskFollowUpTool{deps: deps}
}

func (t *ScheduleTaskFollowUpTool) Name() string {
	return "schedule_task_follow_up"
}

func (t *ScheduleTaskFollowUpTool) Description() string {
	return "Schedule a follow-up on an existing task. When it fires, the agent reviews the task's state and takes the next step."
}

func (t *ScheduleTaskFollowUpTool) Parameters() map[string]any {
	props := scheduleProperty()
	props["taskId"] = map[string]any{
		"type":        "string",
		"description": "Id of the task to follow up on",
	}
	props["note"] = map[string]any{
		"type":        "string",
		"description": "Optional context for the follow-up run",
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"taskId"},
	}
}

func (t *ScheduleTaskFollowUpTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed ScheduleTaskFollowUpArgs
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

	spec, msg, ok := parsed.buildSpec(t.deps)
	if !ok {
		return failureResult(msg)
	}
	spec.JobType = store.JobTypeFollowUp
	spec.Title = fmt.Sprintf("Follow up: %s", task.Title)
	spec.ActionType = store.ActionAgentTask
	spec.TaskID = &task.ID
	instruction := fmt.Sprintf("Follow up on the task %q (id %s). Review its current status and comments, then take the next step or report back.", task.Title, task.ID)
	if parsed.Note != "" {
		instruction += " Context: " + parsed.Note
	}
	spec.ActionPayload = map[string]any{"instruction": instruction}

	job, err := t.deps.Scheduler.CreateJob(ctx, spec)
	if err != nil {
		if errors.Is(err, schedule.ErrValidation) {
			return failureResult(err.Error())
		}
		return "", err
	}
	return successResult(map[string]any{"job": jobSummary(job)})
}

// ListScheduledJobsArgs represents the arguments for the list_scheduled_jobs tool.
type ListScheduledJobsArgs struct{}

// ListScheduledJobsTool lists the agent's scheduled jobs.
type ListScheduledJobsTool struct {
	deps Deps
}

// NewListScheduledJobsTool creates a new ListScheduledJobsTool instance.
func NewListScheduledJobsTool(deps Deps) *ListScheduledJobsTool {
	return &ListScheduledJobsTool{deps: deps}
}

func (t *ListScheduledJobsTool) Name() string {
	return "list_scheduled_jobs"
}

func (t *ListScheduledJobsTool) Description() string {
	return "List scheduled jobs with their status and next run time."
}

func (t *ListScheduledJobsTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *ListScheduledJobsTool) Execute(ctx context.Context, args string) (string, error) {
	jobs, err := t.deps.Scheduler.ListJobs(ctx, t.deps.AgentID)
	if err != nil {
		return "", fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]map[string]any, 0, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		entry := map[string]any{
			"id":     job.ID,
			"title":  job.Title,
			"status": job.Status,
		}
		if job.Status == store.JobStatusActive {
			entry["nextRun"] = job.NextRunAt.Format(time.RFC3339)
		}
		if job.CronExpression != nil {
			entry["cronExpression"] = *job.CronExpression
			entry["timezone"] = job.Timezone
		}
		out = append(out, entry)
	}
	return successResult(map[string]any{"jobs": out, "count": len(out)})
}

// CancelScheduledJobArgs represents the arguments for the cancel_scheduled_job tool.
type CancelScheduledJobArgs struct {
	JobID string `json:"jobId"`
}

// CancelScheduledJobTool cancels a scheduled job. Idempotent.
type CancelScheduledJobTool struct {
	deps Deps
}

// NewCancelScheduledJobTool creates a new CancelScheduledJobTool instance.
func NewCancelScheduledJobTool(deps Deps) *CancelScheduledJobTool {
	return &CancelScheduledJobTool{deps: deps}
}

func (t *CancelScheduledJobTool) Name() string {
	return "cancel_scheduled_job"
}

func (t *CancelScheduledJobTool) Description() string {
	return "Cancel a scheduled job so it never fires again. The job's history is kept."
}

func (t *CancelScheduledJobTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"jobId": map[string]any{
				"type":        "string",
				"description": "Id of the job to cancel",
			},
		},
		"required": []string{"jobId"},
	}
}

func (t *CancelScheduledJobTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed CancelScheduledJobArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}
	if parsed.JobID == "" {
		return failureResult("jobId is required")
	}

	if err := t.deps.Scheduler.CancelJob(ctx, parsed.JobID, t.deps.AgentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundResult("job", parsed.JobID)
		}
		return "", err
	}
	return successResult(map[string]any{"job": map[string]any{"id": parsed.JobID, "status": store.JobStatusCancelled}})
}
