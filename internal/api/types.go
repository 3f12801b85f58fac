package api

import (
	"encoding/json"
	"time"

	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
)

// JobRequest represents a job creation request. Exactly one of run_at and
// cron_expression must be set.
type JobRequest struct {
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	JobType        string          `json:"job_type,omitempty"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
	CronExpression string          `json:"cron_expression,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
	ActionType     string          `json:"action_type"`
	ActionPayload  json.RawMessage `json:"action_payload,omitempty"`
	TaskID         *string         `json:"task_id,omitempty"`
	ProjectID      *string         `json:"project_id,omitempty"`
}

// JobPatchRequest represents a partial job update. Nil fields are left
// untouched.
type JobPatchRequest struct {
	Title          *string         `json:"title,omitempty"`
	Description    *string         `json:"description,omitempty"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
	CronExpression *string         `json:"cron_expression,omitempty"`
	Timezone       *string         `json:"timezone,omitempty"`
	Status         *string         `json:"status,omitempty"`
	ActionPayload  json.RawMessage `json:"action_payload,omitempty"`
}

// JobResponse represents a scheduled job in API responses.
type JobResponse struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	JobType        string     `json:"job_type"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	ScheduleType   string     `json:"schedule_type"`
	RunAt          *time.Time `json:"run_at,omitempty"`
	CronExpression *string    `json:"cron_expression,omitempty"`
	Timezone       string     `json:"timezone"`
	NextRunAt      time.Time  `json:"next_run_at"`
	NextRunDisplay string     `json:"next_run_display"`
	ActionType     string     `json:"action_type"`
	TaskID         *string    `json:"task_id,omitempty"`
	ProjectID      *string    `json:"project_id,omitempty"`
	Status         string     `json:"status"`
	FailureCount   int        `json:"failure_count"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// JobListResponse represents a list of jobs.
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Total int           `json:"total"`
}

// ExecutionResponse represents one job execution attempt.
type ExecutionResponse struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	State      string          `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// ExecutionListResponse represents a job's execution history.
type ExecutionListResponse struct {
	Executions []ExecutionResponse `json:"executions"`
	Total      int                 `json:"total"`
}

// ProjectWorkRequest triggers a project work sweep.
type ProjectWorkRequest struct {
	AgentID     string `json:"agent_id"`
	ProjectID   string `json:"project_id"`
	Instruction string `json:"instruction,omitempty"`
}

// TaskProcessRequest triggers processing of a single task.
type TaskProcessRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
}

// EmailProcessRequest triggers processing of an inbound email.
type EmailProcessRequest struct {
	AgentID       string `json:"agent_id"`
	EmailID       string `json:"email_id"`
	FromAddress   string `json:"from_address,omitempty"`
	Subject       string `json:"subject,omitempty"`
	RecipientType string `json:"recipient_type,omitempty"`
}

// AcceptedResponse acknowledges an event published to the bus.
type AcceptedResponse struct {
	Status string `json:"status"`
	Topic  string `json:"topic"`
}

// HealthResponse represents the health check result.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func jobToResponse(job *store.ScheduledJob) JobResponse {
	return JobResponse{
		ID:             job.ID,
		AgentID:        job.AgentID,
		JobType:        string(job.JobType),
		Title:          job.Title,
		Description:    job.Description,
		ScheduleType:   string(job.ScheduleType),
		RunAt:          job.RunAt,
		CronExpression: job.CronExpression,
		Timezone:       job.Timezone,
		NextRunAt:      job.NextRunAt,
		NextRunDisplay: schedule.HumanNextRun(job),
		ActionType:     string(job.ActionType),
		TaskID:         job.TaskID,
		ProjectID:      job.ProjectID,
		Status:         string(job.Status),
		FailureCount:   job.FailureCount,
		LastError:      job.LastError,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
}

func executionToResponse(exec *store.JobExecution) ExecutionResponse {
	return ExecutionResponse{
		ID:         exec.ID,
		JobID:      exec.JobID,
		State:      string(exec.State),
		Result:     exec.Result,
		Error:      exec.Error,
		StartedAt:  exec.StartedAt,
		FinishedAt: exec.FinishedAt,
	}
}
