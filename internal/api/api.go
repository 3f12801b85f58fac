// Package api exposes the HTTP administration surface: job management,
// manual event triggers, health and Prometheus metrics.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvashenko/valet/internal/bus"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
)

// Store is the subset of persistence the API reads directly.
type Store interface {
	ListExecutions(ctx context.Context, jobID string) ([]store.JobExecution, error)
}

// Publisher pushes events onto the bus for the worker pool to pick up.
type Publisher interface {
	Publish(ev bus.Event) error
}

// Server represents the API server.
type Server struct {
	store     Store
	scheduler *schedule.Scheduler
	publisher Publisher
	registry  prometheus.Gatherer
	logger    *logger.Logger
	router    chi.Router
}

// NewServer creates a new API server. registry may be nil, in which case
// the default Prometheus gatherer serves /metrics.
func NewServer(st Store, sched *schedule.Scheduler, pub Publisher, registry prometheus.Gatherer, log *logger.Logger) *Server {
	if registry == nil {
		registry = prometheus.DefaultGatherer
	}
	s := &Server{
		store:     st,
		scheduler: sched,
		publisher: pub,
		registry:  registry,
		logger:    log,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Post("/api/v1/agents/{agentID}/jobs", s.CreateJob)
	r.Get("/api/v1/agents/{agentID}/jobs", s.ListJobs)
	r.Get("/api/v1/agents/{agentID}/jobs/{id}", s.GetJob)
	r.Patch("/api/v1/agents/{agentID}/jobs/{id}", s.UpdateJob)
	r.Delete("/api/v1/agents/{agentID}/jobs/{id}", s.CancelJob)
	r.Post("/api/v1/agents/{agentID}/jobs/{id}/run", s.RunJob)
	r.Get("/api/v1/agents/{agentID}/jobs/{id}/executions", s.ListJobExecutions)

	r.Post("/api/v1/events/project-work", s.TriggerProjectWork)
	r.Post("/api/v1/events/tasks", s.TriggerTaskProcess)
	r.Post("/api/v1/events/email", s.TriggerEmailProcess)
}

// Router returns the chi router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}
