package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kvashenko/valet/internal/bus"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/version"
)

// HealthCheck handles GET /healthz.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

// CreateJob handles POST /api/v1/agents/{agentID}/jobs.
func (s *Server) CreateJob(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	spec := schedule.JobSpec{
		AgentID:        agentID,
		JobType:        jobTypeFor(&req),
		Title:          req.Title,
		Description:    req.Description,
		RunAt:          req.RunAt,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		ActionType:     store.ActionType(req.ActionType),
		TaskID:         req.TaskID,
		ProjectID:      req.ProjectID,
	}
	if len(req.ActionPayload) > 0 {
		spec.ActionPayload = json.RawMessage(req.ActionPayload)
	}

	job, err := s.scheduler.CreateJob(r.Context(), spec)
	if err != nil {
		s.schedulerError(w, err, "Failed to create job")
		return
	}

	s.jsonResponse(w, http.StatusCreated, jobToResponse(job))
}

// ListJobs handles GET /api/v1/agents/{agentID}/jobs.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.scheduler.ListJobs(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list jobs", err)
		return
	}

	response := JobListResponse{
		Jobs:  make([]JobResponse, len(jobs)),
		Total: len(jobs),
	}
	for i := range jobs {
		response.Jobs[i] = jobToResponse(&jobs[i])
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// GetJob handles GET /api/v1/agents/{agentID}/jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.GetJob(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "agentID"))
	if err != nil {
		s.schedulerError(w, err, "Failed to fetch job")
		return
	}

	s.jsonResponse(w, http.StatusOK, jobToResponse(job))
}

// UpdateJob handles PATCH /api/v1/agents/{agentID}/jobs/{id}.
func (s *Server) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var req JobPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch := schedule.JobPatch{
		Title:          req.Title,
		Description:    req.Description,
		RunAt:          req.RunAt,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
	}
	if req.Status != nil {
		status := store.JobStatus(*req.Status)
		patch.Status = &status
	}
	if len(req.ActionPayload) > 0 {
		patch.ActionPayload = json.RawMessage(req.ActionPayload)
	}

	job, err := s.scheduler.UpdateJob(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "agentID"), patch)
	if err != nil {
		s.schedulerError(w, err, "Failed to update job")
		return
	}

	s.jsonResponse(w, http.StatusOK, jobToResponse(job))
}

// CancelJob handles DELETE /api/v1/agents/{agentID}/jobs/{id}.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.CancelJob(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "agentID")); err != nil {
		s.schedulerError(w, err, "Failed to cancel job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RunJob handles POST /api/v1/agents/{agentID}/jobs/{id}/run. The job is
// published to the bus and dispatched by the worker pool, regardless of its
// next scheduled run.
func (s *Server) RunJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.GetJob(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "agentID"))
	if err != nil {
		s.schedulerError(w, err, "Failed to fetch job")
		return
	}

	s.publish(w, bus.NewJobExecuteEvent(*job))
}

// ListJobExecutions handles GET /api/v1/agents/{agentID}/jobs/{id}/executions.
func (s *Server) ListJobExecutions(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.GetJob(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "agentID"))
	if err != nil {
		s.schedulerError(w, err, "Failed to fetch job")
		return
	}

	executions, err := s.store.ListExecutions(r.Context(), job.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list executions", err)
		return
	}

	response := ExecutionListResponse{
		Executions: make([]ExecutionResponse, len(executions)),
		Total:      len(executions),
	}
	for i := range executions {
		response.Executions[i] = executionToResponse(&executions[i])
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// TriggerProjectWork handles POST /api/v1/events/project-work.
func (s *Server) TriggerProjectWork(w http.ResponseWriter, r *http.Request) {
	var req ProjectWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AgentID == "" || req.ProjectID == "" {
		s.errorResponse(w, http.StatusBadRequest, "agent_id and project_id are required", nil)
		return
	}

	s.publish(w, bus.NewProjectWorkEvent(req.ProjectID, req.AgentID, req.Instruction))
}

// TriggerTaskProcess handles POST /api/v1/events/tasks.
func (s *Server) TriggerTaskProcess(w http.ResponseWriter, r *http.Request) {
	var req TaskProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AgentID == "" || req.TaskID == "" {
		s.errorResponse(w, http.StatusBadRequest, "agent_id and task_id are required", nil)
		return
	}

	s.publish(w, bus.NewTaskProcessEvent(req.TaskID, req.AgentID))
}

// TriggerEmailProcess handles POST /api/v1/events/email.
func (s *Server) TriggerEmailProcess(w http.ResponseWriter, r *http.Request) {
	var req EmailProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AgentID == "" || req.EmailID == "" {
		s.errorResponse(w, http.StatusBadRequest, "agent_id and email_id are required", nil)
		return
	}

	s.publish(w, bus.NewEmailProcessEvent(req.EmailID, req.AgentID, req.FromAddress, req.Subject, req.RecipientType))
}

func (s *Server) publish(w http.ResponseWriter, ev bus.Event) {
	if err := s.publisher.Publish(ev); err != nil {
		switch {
		case errors.Is(err, bus.ErrQueueFull), errors.Is(err, bus.ErrNotStarted):
			s.errorResponse(w, http.StatusServiceUnavailable, "Event bus unavailable", err)
		default:
			s.errorResponse(w, http.StatusInternalServerError, "Failed to publish event", err)
		}
		return
	}

	s.jsonResponse(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", Topic: string(ev.Topic)})
}

// schedulerError maps scheduler failures onto HTTP statuses.
func (s *Server) schedulerError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, schedule.ErrValidation):
		s.errorResponse(w, http.StatusBadRequest, message, err)
	case errors.Is(err, store.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "Job not found", nil)
	default:
		s.errorResponse(w, http.StatusInternalServerError, message, err)
	}
}

// jobTypeFor infers a job type when the request leaves it empty.
func jobTypeFor(req *JobRequest) store.JobType {
	if req.JobType != "" {
		return store.JobType(req.JobType)
	}
	if req.CronExpression != "" {
		return store.JobTypeRecurring
	}
	return store.JobTypeOneTime
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		if s.logger != nil && status >= http.StatusInternalServerError {
			s.logger.Error("api request failed", err, logger.Field{Key: "status", Value: status})
		}
	}
	s.jsonResponse(w, status, resp)
}
