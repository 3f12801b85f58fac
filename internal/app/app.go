// Package app wires the valet components together and manages their
// lifecycle: store, dispatcher, event bus, worker pool, poller and the
// HTTP API server.
package app

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvashenko/valet/internal/activity"
	"github.com/kvashenko/valet/internal/bus"
	"github.com/kvashenko/valet/internal/config"
	"github.com/kvashenko/valet/internal/dispatch"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/workers"
)

// App holds references to all major components and manages their lifecycle.
type App struct {
	config *config.Config
	logger *logger.Logger

	store      *store.Store
	scheduler  *schedule.Scheduler
	dispatcher *dispatch.Dispatcher
	recorder   *activity.Recorder
	registry   *prometheus.Registry

	eventBus   *bus.Bus
	workerPool *workers.Pool
	poller     *workers.Poller

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New creates a new App instance. Components are initialized in
// Initialize.
func New(cfg *config.Config, log *logger.Logger) *App {
	return &App{
		config: cfg,
		logger: log,
	}
}

// Run starts the application and blocks until the context is cancelled,
// then performs a graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	a.logger.Info("Application is running")

	<-ctx.Done()

	return a.Shutdown()
}
