package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kvashenko/valet/internal/bus"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/schedule"
)

const (
	// DefaultPollInterval is how often the poller checks for due jobs.
	DefaultPollInterval = 30 * time.Second

	// DefaultBatchSize bounds how many due jobs one tick publishes.
	DefaultBatchSize = 20
)

// Poller periodically queries for due jobs and publishes them on the bus.
// Jobs stay due until an execution succeeds, so a publish lost to a full
// queue is retried on the next tick.
type Poller struct {
	scheduler *schedule.Scheduler
	bus       *bus.Bus
	logger    *logger.Logger
	interval  time.Duration
	batch     int

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller creates a poller. Non-positive interval/batch fall back to the
// defaults.
func NewPoller(sched *schedule.Scheduler, b *bus.Bus, log *logger.Logger, interval time.Duration, batch int) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Poller{
		scheduler: sched,
		bus:       b,
		logger:    log,
		interval:  interval,
		batch:     batch,
	}
}

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("poller is already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	p.logger.Info("scheduler poller started",
		logger.Field{Key: "interval", Value: p.interval.String()},
		logger.Field{Key: "batch", Value: p.batch})

	go p.loop(ctx)
	return nil
}

// Stop halts the polling loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("scheduler poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Error("poll tick failed", err)
			}
		}
	}
}

// RunOnce performs one due-job sweep: load due jobs oldest-first and publish
// each on the bus. A full queue stops the sweep; the remaining jobs are
// still due next tick.
func (p *Poller) RunOnce(ctx context.Context) error {
	due, err := p.scheduler.ListDueJobs(ctx, time.Now(), p.batch)
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	p.logger.DebugCtx(ctx, "due jobs found",
		logger.Field{Key: "count", Value: len(due)})

	for _, job := range due {
		if err := p.bus.Publish(bus.NewJobExecuteEvent(job)); err != nil {
			if errors.Is(err, bus.ErrQueueFull) {
				p.logger.WarnCtx(ctx, "event queue full, deferring remaining due jobs",
					logger.Field{Key: "job_id", Value: job.ID})
				return nil
			}
			return fmt.Errorf("publish job %s: %w", job.ID, err)
		}
	}
	return nil
}
