package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvashenko/valet/internal/bus"
	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/store/storetest"
)

func seedDueJob(t *testing.T, mem *storetest.Memory, sched *schedule.Scheduler, title string) *store.ScheduledJob {
	t.Helper()
	runAt := time.Now().Add(-time.Minute)
	job, err := sched.CreateJob(context.Background(), schedule.JobSpec{
		AgentID:       "agent-1",
		JobType:       store.JobTypeReminder,
		Title:         title,
		RunAt:         &runAt,
		ActionType:    store.ActionNotify,
		ActionPayload: map[string]string{"message": title},
	})
	require.NoError(t, err)
	return job
}

func TestRunOncePublishesDueJobs(t *testing.T) {
	log := logger.Discard()
	mem := storetest.New()
	sched := schedule.NewScheduler(mem, log)
	b := bus.New(32, log)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	ch := b.Subscribe(context.Background(), bus.TopicJobExecute)

	first := seedDueJob(t, mem, sched, "First")
	second := seedDueJob(t, mem, sched, "Second")
	_ = second

	// A job scheduled for tomorrow is not due.
	future := time.Now().Add(24 * time.Hour)
	_, err := sched.CreateJob(context.Background(), schedule.JobSpec{
		AgentID:       "agent-1",
		JobType:       store.JobTypeReminder,
		Title:         "Tomorrow",
		RunAt:         &future,
		ActionType:    store.ActionNotify,
		ActionPayload: map[string]string{"message": "later"},
	})
	require.NoError(t, err)

	poller := NewPoller(sched, b, log, time.Hour, 10)
	require.NoError(t, poller.RunOnce(context.Background()))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			require.NotNil(t, ev.JobExecute)
			got = append(got, ev.JobExecute.Job.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for job events")
		}
	}
	assert.Equal(t, first.ID, got[0], "oldest-due job publishes first")

	select {
	case ev := <-ch:
		t.Fatalf("unexpected third event: %s", ev.JobExecute.Job.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunOnceEmptySweep(t *testing.T) {
	log := logger.Discard()
	mem := storetest.New()
	sched := schedule.NewScheduler(mem, log)
	b := bus.New(4, log)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	poller := NewPoller(sched, b, log, time.Hour, 10)
	require.NoError(t, poller.RunOnce(context.Background()))
}

func TestPollerLoopPublishesOnTick(t *testing.T) {
	log := logger.Discard()
	mem := storetest.New()
	sched := schedule.NewScheduler(mem, log)
	b := bus.New(32, log)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	ch := b.Subscribe(context.Background(), bus.TopicJobExecute)
	seedDueJob(t, mem, sched, "Tick me")

	poller := NewPoller(sched, b, log, 10*time.Millisecond, 10)
	require.NoError(t, poller.Start(context.Background()))
	defer poller.Stop()

	select {
	case ev := <-ch:
		require.NotNil(t, ev.JobExecute)
		assert.Equal(t, "Tick me", ev.JobExecute.Job.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("poller never published the due job")
	}
}

func TestPollerStartStop(t *testing.T) {
	log := logger.Discard()
	mem := storetest.New()
	sched := schedule.NewScheduler(mem, log)
	b := bus.New(4, log)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	poller := NewPoller(sched, b, log, time.Hour, 10)
	require.NoError(t, poller.Start(context.Background()))
	require.Error(t, poller.Start(context.Background()))
	poller.Stop()
	poller.Stop() // idempotent

	require.NoError(t, poller.Start(context.Background()))
	poller.Stop()
}