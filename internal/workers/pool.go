// Package workers consumes bus events and drives the dispatcher: due job
// executions, project work sessions, single task runs and inbound email
// processing all flow through the pool's worker goroutines.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kvashenko/valet/internal/bus"
	"github.com/kvashenko/valet/internal/dispatch"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/mail"
	"github.com/kvashenko/valet/internal/store"
)

// DefaultPoolSize is the number of worker goroutines when none is
// configured.
const DefaultPoolSize = 4

// Dispatcher is the subset of the dispatch package the pool drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *store.ScheduledJob) error
	RunProjectWork(ctx context.Context, req dispatch.ProjectWorkRequest) (*dispatch.ProjectWorkResult, error)
	RunTask(ctx context.Context, agentID, taskID, instruction string) error
	ProcessEmail(ctx context.Context, req dispatch.EmailRequest) error
}

// PoolMetrics tracks event handling counters.
type PoolMetrics struct {
	EventsHandled uint64
	EventsFailed  uint64
	EventsSkipped uint64
}

// Pool runs worker goroutines over the bus subscriptions.
type Pool struct {
	bus        *bus.Bus
	dispatcher Dispatcher
	mail       mail.Provider
	logger     *logger.Logger
	workers    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	metrics  PoolMetrics
	inflight map[string]bool
}

// NewPool creates a worker pool. workers <= 0 falls back to the default.
// The mail provider may be nil when email processing is disabled.
func NewPool(b *bus.Bus, d Dispatcher, mailProvider mail.Provider, log *logger.Logger, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultPoolSize
	}
	return &Pool{
		bus:        b,
		dispatcher: d,
		mail:       mailProvider,
		logger:     log,
		workers:    workers,
		inflight:   make(map[string]bool),
	}
}

// Start subscribes to the bus topics and launches the workers. The bus must
// already be started.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool is already started")
	}
	if !p.bus.IsStarted() {
		return fmt.Errorf("event bus must be started before the worker pool")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	jobs := p.bus.Subscribe(p.ctx, bus.TopicJobExecute)
	projects := p.bus.Subscribe(p.ctx, bus.TopicProjectWork)
	tasks := p.bus.Subscribe(p.ctx, bus.TopicTaskProcess)
	emails := p.bus.Subscribe(p.ctx, bus.TopicEmailProcess)

	p.logger.Info("starting worker pool",
		logger.Field{Key: "workers", Value: p.workers})

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i, jobs, projects, tasks, emails)
	}
	p.started = true
	return nil
}

// Stop cancels the workers and waits for in-flight events to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	m := p.Metrics()
	p.logger.Info("worker pool stopped",
		logger.Field{Key: "events_handled", Value: m.EventsHandled},
		logger.Field{Key: "events_failed", Value: m.EventsFailed},
		logger.Field{Key: "events_skipped", Value: m.EventsSkipped})
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

func (p *Pool) worker(id int, jobs, projects, tasks, emails <-chan bus.Event) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic recovered",
				fmt.Errorf("panic: %v", r),
				logger.Field{Key: "worker_id", Value: id})
		}
	}()

	p.logger.DebugCtx(p.ctx, "worker started",
		logger.Field{Key: "worker_id", Value: id})

	for {
		select {
		case <-p.ctx.Done():
			p.logger.DebugCtx(p.ctx, "worker stopping",
				logger.Field{Key: "worker_id", Value: id})
			return
		case ev, ok := <-jobs:
			if !ok {
				return
			}
			p.handle(id, ev)
		case ev, ok := <-projects:
			if !ok {
				return
			}
			p.handle(id, ev)
		case ev, ok := <-tasks:
			if !ok {
				return
			}
			p.handle(id, ev)
		case ev, ok := <-emails:
			if !ok {
				return
			}
			p.handle(id, ev)
		}
	}
}

// handle routes one event with panic recovery; a panicking handler fails
// the event, not the worker.
func (p *Pool) handle(workerID int, ev bus.Event) {
	start := time.Now()
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.logger.Error("event handler panic recovered", err,
				logger.Field{Key: "worker_id", Value: workerID},
				logger.Field{Key: "topic", Value: string(ev.Topic)})
			p.recordOutcome(err)
		}
	}()

	switch ev.Topic {
	case bus.TopicJobExecute:
		err = p.handleJob(ev)
	case bus.TopicProjectWork:
		err = p.handleProjectWork(ev)
	case bus.TopicTaskProcess:
		err = p.handleTaskProcess(ev)
	case bus.TopicEmailProcess:
		err = p.handleEmail(ev)
	default:
		err = fmt.Errorf("no handler for topic %q", ev.Topic)
	}

	if err != nil {
		p.logger.Error("event handling failed", err,
			logger.Field{Key: "worker_id", Value: workerID},
			logger.Field{Key: "topic", Value: string(ev.Topic)},
			logger.Field{Key: "duration", Value: time.Since(start).String()})
	}
	p.recordOutcome(err)
}

func (p *Pool) recordOutcome(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.metrics.EventsFailed++
		return
	}
	p.metrics.EventsHandled++
}

// handleJob dispatches a due job. The in-flight set suppresses duplicates:
// a slow execution may stay due across several poll ticks, and each tick
// republishes it.
func (p *Pool) handleJob(ev bus.Event) error {
	if ev.JobExecute == nil {
		return fmt.Errorf("job event has no payload")
	}
	job := ev.JobExecute.Job

	p.mu.Lock()
	if p.inflight[job.ID] {
		p.metrics.EventsSkipped++
		p.mu.Unlock()
		p.logger.DebugCtx(p.ctx, "job already in flight, skipping",
			logger.Field{Key: "job_id", Value: job.ID})
		return nil
	}
	p.inflight[job.ID] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, job.ID)
		p.mu.Unlock()
	}()

	return p.dispatcher.Dispatch(p.ctx, &job)
}

func (p *Pool) handleProjectWork(ev bus.Event) error {
	if ev.ProjectWork == nil {
		return fmt.Errorf("project work event has no payload")
	}
	_, err := p.dispatcher.RunProjectWork(p.ctx, dispatch.ProjectWorkRequest{
		AgentID:     ev.ProjectWork.AgentID,
		ProjectID:   ev.ProjectWork.ProjectID,
		Instruction: ev.ProjectWork.Instruction,
	})
	return err
}

func (p *Pool) handleTaskProcess(ev bus.Event) error {
	if ev.TaskProcess == nil {
		return fmt.Errorf("task event has no payload")
	}
	return p.dispatcher.RunTask(p.ctx, ev.TaskProcess.AgentID, ev.TaskProcess.TaskID, "")
}

// handleEmail loads the referenced message from the inbox and hands it to
// the dispatcher.
func (p *Pool) handleEmail(ev bus.Event) error {
	if ev.EmailProcess == nil {
		return fmt.Errorf("email event has no payload")
	}
	if p.mail == nil {
		return fmt.Errorf("email event received but no mail provider is configured")
	}

	inbox, err := p.mail.ListInbox(p.ctx, time.Now().Add(-24*time.Hour), 100)
	if err != nil {
		return fmt.Errorf("list inbox: %w", err)
	}
	for _, msg := range inbox {
		if msg.ID == ev.EmailProcess.EmailID {
			return p.dispatcher.ProcessEmail(p.ctx, dispatch.EmailRequest{
				AgentID:       ev.EmailProcess.AgentID,
				Email:         msg,
				RecipientType: ev.EmailProcess.RecipientType,
			})
		}
	}
	return fmt.Errorf("email %s not found in inbox", ev.EmailProcess.EmailID)
}
