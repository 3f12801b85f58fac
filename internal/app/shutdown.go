package app

import (
	"context"
	"time"
)

const shutdownTimeout = 10 * time.Second

// Shutdown performs graceful shutdown of all components: the HTTP server
// stops accepting requests, the poller stops publishing, the worker pool
// drains in-flight events, then the bus and activity recorder close.
func (a *App) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}

	a.logger.Info("Shutting down")

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP server shutdown incomplete")
		}
		cancel()
	}

	if a.poller != nil {
		a.poller.Stop()
	}
	if a.workerPool != nil {
		a.workerPool.Stop()
	}
	if a.eventBus != nil {
		if err := a.eventBus.Stop(); err != nil {
			a.logger.Warn("Event bus stop failed")
		}
	}
	if a.recorder != nil {
		a.recorder.Stop()
	}

	a.cancel()
	a.started = false

	a.logger.Info("Shutdown complete")
	return nil
}
