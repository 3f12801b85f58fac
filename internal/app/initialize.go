package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kvashenko/valet/internal/activity"
	"github.com/kvashenko/valet/internal/agent/prompts"
	"github.com/kvashenko/valet/internal/api"
	"github.com/kvashenko/valet/internal/bus"
	"github.com/kvashenko/valet/internal/config"
	"github.com/kvashenko/valet/internal/dispatch"
	"github.com/kvashenko/valet/internal/embedding"
	"github.com/kvashenko/valet/internal/llm"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/mail"
	"github.com/kvashenko/valet/internal/notify"
	"github.com/kvashenko/valet/internal/runstate"
	"github.com/kvashenko/valet/internal/sanitizer"
	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/workers"
)

const activityQueueCapacity = 256

// Initialize connects the store, builds the dispatcher and starts the
// event bus, worker pool, poller and HTTP API server.
func (a *App) Initialize(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	st, err := store.Connect(a.config.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := st.ConfigurePool(a.config.Database.MaxOpenConns, a.config.Database.MaxIdleConns); err != nil {
		return fmt.Errorf("failed to configure connection pool: %w", err)
	}
	if err := st.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	a.store = st

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector())
	a.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dispatch.InitPrometheusMetrics("valet", a.registry)

	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:            a.config.LLM.APIKey,
		BaseURL:           a.config.LLM.BaseURL,
		Model:             a.config.LLM.Model,
		TimeoutSeconds:    a.config.LLM.TimeoutSeconds,
		RequestsPerMinute: a.config.LLM.RequestsPerMinute,
	}, a.logger)

	var embedder embedding.Client
	if a.config.Embeddings.Enabled {
		embedder = embedding.NewOpenAIClient(embedding.OpenAIConfig{
			APIKey:  a.config.Embeddings.APIKey,
			BaseURL: a.config.Embeddings.BaseURL,
			Model:   a.config.Embeddings.Model,
		})
	}

	var mailProvider mail.Provider
	if a.config.Mail.Enabled {
		mailProvider = mail.NewHTTPProvider(mail.HTTPConfig{
			BaseURL: a.config.Mail.BaseURL,
			APIKey:  a.config.Mail.Token,
		})
	}

	notifier := buildNotifier(a.config, a.logger)
	persona, err := buildPersona(a.config)
	if err != nil {
		return err
	}

	a.recorder = activity.NewRecorder(st, a.logger, activityQueueCapacity)
	a.recorder.Start(a.ctx)

	a.scheduler = schedule.NewScheduler(st, a.logger)
	locks := runstate.NewCoordinator(st, a.logger, a.config.LockTTL())

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Store:            st,
		Scheduler:        a.scheduler,
		Locks:            locks,
		Provider:         provider,
		Embedder:         embedder,
		Mail:             mailProvider,
		Notifier:         notifier,
		Sanitizer:        sanitizer.New(a.config.Sanitizer.MaxInputChars),
		Recorder:         a.recorder,
		Metrics:          metrics,
		Logger:           a.logger,
		Model:            a.config.LLM.Model,
		Persona:          persona,
		BackgroundSteps:  a.config.Dispatcher.BackgroundSteps,
		FailureThreshold: a.config.Dispatcher.FailureThreshold,
		AgentTaskLimit:   a.config.Dispatcher.AgentTaskLimit,
		ProjectTaskLimit: a.config.Dispatcher.ProjectTaskLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	a.dispatcher = dispatcher

	// Re-drive executions a previous process left in the running state
	// before the poller starts producing new work.
	if err := dispatcher.RecoverStale(a.ctx, time.Now()); err != nil {
		a.logger.Error("failed to recover interrupted executions", err)
	}

	a.eventBus = bus.New(a.config.Bus.Capacity, a.logger)
	if err := a.eventBus.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	a.workerPool = workers.NewPool(a.eventBus, dispatcher, mailProvider, a.logger, a.config.Workers.PoolSize)
	if err := a.workerPool.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	a.poller = workers.NewPoller(a.scheduler, a.eventBus, a.logger, a.config.PollInterval(), a.config.Scheduler.BatchSize)
	if err := a.poller.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	apiServer := api.NewServer(st, a.scheduler, a.eventBus, a.registry, a.logger)
	a.httpServer = &http.Server{
		Addr:    a.config.API.ListenAddr,
		Handler: apiServer.Router(),
	}
	go func() {
		a.logger.Info("HTTP API listening", logger.Field{Key: "addr", Value: a.config.API.ListenAddr})
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", err)
		}
	}()

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()

	return nil
}

// buildNotifier selects the webhook transport when one is configured.
func buildNotifier(cfg *config.Config, log *logger.Logger) notify.Notifier {
	if cfg.Notify.WebhookURL == "" {
		return notify.Null{}
	}
	return notify.NewWebhook(notify.WebhookConfig{
		URL:   cfg.Notify.WebhookURL,
		Token: cfg.Notify.Token,
	}, log)
}

// buildPersona loads the persona file when one is configured.
func buildPersona(cfg *config.Config) (prompts.Persona, error) {
	if cfg.Agent.PersonaPath == "" {
		return prompts.DefaultPersona(), nil
	}
	persona, err := prompts.LoadPersona(cfg.Agent.PersonaPath)
	if err != nil {
		return prompts.Persona{}, fmt.Errorf("failed to load persona: %w", err)
	}
	return persona, nil
}
