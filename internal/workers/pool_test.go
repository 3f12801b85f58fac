package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvashenko/valet/internal/bus"
	"github.com/kvashenko/valet/internal/dispatch"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/mail"
	"github.com/kvashenko/valet/internal/store"
)

// fakeDispatcher records every call; Block holds job dispatches open until
// released, for in-flight dedup tests.
type fakeDispatcher struct {
	mu       sync.Mutex
	jobs     []string
	projects []dispatch.ProjectWorkRequest
	tasks    []string
	emails   []dispatch.EmailRequest
	err      error

	Block chan struct{}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job *store.ScheduledJob) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job.ID)
	f.mu.Unlock()
	if f.Block != nil {
		<-f.Block
	}
	return f.err
}

func (f *fakeDispatcher) RunProjectWork(ctx context.Context, req dispatch.ProjectWorkRequest) (*dispatch.ProjectWorkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, req)
	return &dispatch.ProjectWorkResult{}, f.err
}

func (f *fakeDispatcher) RunTask(ctx context.Context, agentID, taskID, instruction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, taskID)
	return f.err
}

func (f *fakeDispatcher) ProcessEmail(ctx context.Context, req dispatch.EmailRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, req)
	return f.err
}

func (f *fakeDispatcher) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// fakeMail serves a fixed inbox.
type fakeMail struct {
	inbox []mail.InboundMessage
}

func (f *fakeMail) Send(ctx context.Context, msg mail.OutboundMessage) (string, error) {
	return "sent-1", nil
}

func (f *fakeMail) ListInbox(ctx context.Context, since time.Time, limit int) ([]mail.InboundMessage, error) {
	return f.inbox, nil
}

func startPool(t *testing.T, d Dispatcher, mp mail.Provider) (*bus.Bus, *Pool) {
	t.Helper()
	log := logger.Discard()
	b := bus.New(32, log)
	require.NoError(t, b.Start(context.Background()))
	pool := NewPool(b, d, mp, log, 2)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		pool.Stop()
		_ = b.Stop()
	})
	return b, pool
}

func TestPoolDispatchesJobEvents(t *testing.T) {
	d := &fakeDispatcher{}
	b, pool := startPool(t, d, nil)

	job := store.ScheduledJob{ID: "job-1", AgentID: "agent-1", Title: "Digest"}
	require.NoError(t, b.Publish(bus.NewJobExecuteEvent(job)))

	require.Eventually(t, func() bool { return d.jobCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "job-1", d.jobs[0])

	m := pool.Metrics()
	assert.Equal(t, uint64(1), m.EventsHandled)
	assert.Zero(t, m.EventsFailed)
}

func TestPoolSkipsInFlightDuplicates(t *testing.T) {
	d := &fakeDispatcher{Block: make(chan struct{})}
	b, pool := startPool(t, d, nil)

	job := store.ScheduledJob{ID: "job-1", AgentID: "agent-1"}
	require.NoError(t, b.Publish(bus.NewJobExecuteEvent(job)))
	require.Eventually(t, func() bool { return d.jobCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The same job republished while the first dispatch is still running
	// is skipped, not dispatched twice.
	require.NoError(t, b.Publish(bus.NewJobExecuteEvent(job)))
	require.Eventually(t, func() bool {
		return pool.Metrics().EventsSkipped == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, d.jobCount())

	close(d.Block)
}

func TestPoolRoutesProjectTaskAndEmailEvents(t *testing.T) {
	d := &fakeDispatcher{}
	mp := &fakeMail{inbox: []mail.InboundMessage{
		{ID: "msg-1", From: "a@b.c", Subject: "Hi", Body: "Hello"},
	}}
	b, _ := startPool(t, d, mp)

	require.NoError(t, b.Publish(bus.NewProjectWorkEvent("project-1", "agent-1", "focus")))
	require.NoError(t, b.Publish(bus.NewTaskProcessEvent("task-1", "agent-1")))
	require.NoError(t, b.Publish(bus.NewEmailProcessEvent("msg-1", "agent-1", "a@b.c", "Hi", "agent")))

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.projects) == 1 && len(d.tasks) == 1 && len(d.emails) == 1
	}, 2*time.Second, 10*time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, "project-1", d.projects[0].ProjectID)
	assert.Equal(t, "focus", d.projects[0].Instruction)
	assert.Equal(t, "task-1", d.tasks[0])
	assert.Equal(t, "msg-1", d.emails[0].Email.ID)
	assert.Equal(t, "Hello", d.emails[0].Email.Body)
}

func TestPoolCountsUnknownEmailAsFailure(t *testing.T) {
	d := &fakeDispatcher{}
	mp := &fakeMail{}
	b, pool := startPool(t, d, mp)

	require.NoError(t, b.Publish(bus.NewEmailProcessEvent("missing", "agent-1", "", "", "agent")))

	require.Eventually(t, func() bool {
		return pool.Metrics().EventsFailed == 1
	}, 2*time.Second, 10*time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.emails)
}

func TestPoolRequiresStartedBus(t *testing.T) {
	log := logger.Discard()
	b := bus.New(4, log)
	pool := NewPool(b, &fakeDispatcher{}, nil, log, 1)
	err := pool.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus must be started")
}
