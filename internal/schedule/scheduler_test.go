package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/store/storetest"
)

func newScheduler(t *testing.T) (*Scheduler, *storetest.Memory) {
	t.Helper()
	mem := storetest.New()
	return NewScheduler(mem, logger.Discard()), mem
}

func TestCreateJobValidation(t *testing.T) {
	runAt := time.Date(2026, 1, 31, 20, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		spec        JobSpec
		expectError bool
	}{
		{
			name: "once job with runAt",
			spec: JobSpec{
				AgentID:    "agent-1",
				JobType:    store.JobTypeReminder,
				Title:      "Call mom",
				RunAt:      &runAt,
				ActionType: store.ActionNotify,
			},
			expectError: false,
		},
		{
			name: "cron job with expression",
			spec: JobSpec{
				AgentID:        "agent-1",
				JobType:        store.JobTypeRecurring,
				Title:          "Morning digest",
				CronExpression: "0 8 * * *",
				Timezone:       "America/New_York",
				ActionType:     store.ActionAgentTask,
			},
			expectError: false,
		},
		{
			name: "both scheduling fields",
			spec: JobSpec{
				AgentID:        "agent-1",
				Title:          "Broken",
				RunAt:          &runAt,
				CronExpression: "0 8 * * *",
				ActionType:     store.ActionNotify,
			},
			expectError: true,
		},
		{
			name: "neither scheduling field",
			spec: JobSpec{
				AgentID:    "agent-1",
				Title:      "Broken",
				ActionType: store.ActionNotify,
			},
			expectError: true,
		},
		{
			name: "malformed cron expression",
			spec: JobSpec{
				AgentID:        "agent-1",
				Title:          "Broken",
				CronExpression: "not-a-cron",
				ActionType:     store.ActionNotify,
			},
			expectError: true,
		},
		{
			name: "unknown timezone",
			spec: JobSpec{
				AgentID:        "agent-1",
				Title:          "Broken",
				CronExpression: "0 8 * * *",
				Timezone:       "Mars/Olympus_Mons",
				ActionType:     store.ActionNotify,
			},
			expectError: true,
		},
		{
			name: "unknown action type",
			spec: JobSpec{
				AgentID:    "agent-1",
				Title:      "Broken",
				RunAt:      &runAt,
				ActionType: store.ActionType("teleport"),
			},
			expectError: true,
		},
		{
			name: "missing title",
			spec: JobSpec{
				AgentID:    "agent-1",
				RunAt:      &runAt,
				ActionType: store.ActionNotify,
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, mem := newScheduler(t)
			job, err := sched.CreateJob(context.Background(), tt.spec)
			if tt.expectError {
				require.ErrorIs(t, err, ErrValidation)
				// Validation failures are never persisted.
				assert.Empty(t, mem.Jobs)
			} else {
				require.NoError(t, err)
				assert.NotEmpty(t, job.ID)
				assert.Len(t, mem.Jobs, 1)
			}
		})
	}
}

func TestCreateOnceJobNormalizesToUTC(t *testing.T) {
	sched, _ := newScheduler(t)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	runAt := time.Date(2026, 1, 31, 15, 0, 0, 0, loc)

	job, err := sched.CreateJob(context.Background(), JobSpec{
		AgentID:    "agent-1",
		JobType:    store.JobTypeReminder,
		Title:      "Call mom",
		RunAt:      &runAt,
		ActionType: store.ActionNotify,
	})
	require.NoError(t, err)

	assert.Equal(t, store.ScheduleOnce, job.ScheduleType)
	assert.Equal(t, time.UTC, job.NextRunAt.Location())
	// 3pm Eastern in January is 8pm UTC.
	assert.Equal(t, time.Date(2026, 1, 31, 20, 0, 0, 0, time.UTC), job.NextRunAt)
}

func TestCronNextRunIsTimezoneAware(t *testing.T) {
	sched, _ := newScheduler(t)

	// 9am every Monday, Eastern time.
	job, err := sched.CreateJob(context.Background(), JobSpec{
		AgentID:        "agent-1",
		JobType:        store.JobTypeRecurring,
		Title:          "Weekly review",
		CronExpression: "0 9 * * 1",
		Timezone:       "America/New_York",
		ActionType:     store.ActionAgentTask,
	})
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := job.NextRunAt.In(loc)
	assert.Equal(t, 9, local.Hour())
	assert.Equal(t, time.Monday, local.Weekday())
}

func TestAdvanceOnceJobCompletes(t *testing.T) {
	sched, mem := newScheduler(t)
	ctx := context.Background()

	runAt := time.Now().UTC().Add(-time.Minute)
	job, err := sched.CreateJob(ctx, JobSpec{
		AgentID:    "agent-1",
		JobType:    store.JobTypeReminder,
		Title:      "Call mom",
		RunAt:      &runAt,
		ActionType: store.ActionNotify,
	})
	require.NoError(t, err)

	due, err := sched.ListDueJobs(ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, sched.Advance(ctx, job, time.Now()))

	assert.Equal(t, store.JobStatusCompleted, mem.Jobs[job.ID].Status)

	// A completed once job never appears in due queries again.
	due, err = sched.ListDueJobs(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestAdvanceCronJobStrictlyFuture(t *testing.T) {
	sched, mem := newScheduler(t)
	ctx := context.Background()

	job, err := sched.CreateJob(ctx, JobSpec{
		AgentID:        "agent-1",
		JobType:        store.JobTypeRecurring,
		Title:          "Morning digest",
		CronExpression: "0 8 * * *",
		Timezone:       "America/New_York",
		ActionType:     store.ActionAgentTask,
	})
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Advance exactly at a fire instant: 8am Eastern.
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, loc)
	require.NoError(t, sched.Advance(ctx, job, now))

	next := mem.Jobs[job.ID].NextRunAt
	assert.True(t, next.After(now.UTC()), "next_run_at must be strictly after now")
	local := next.In(loc)
	assert.Equal(t, 8, local.Hour(), "must fire at 8am in the job's timezone")
	assert.Equal(t, 3, local.Day(), "must be the following day")
	assert.Equal(t, store.JobStatusActive, mem.Jobs[job.ID].Status)
}

func TestAdvanceCronAcrossDSTTransition(t *testing.T) {
	sched, mem := newScheduler(t)
	ctx := context.Background()

	job, err := sched.CreateJob(ctx, JobSpec{
		AgentID:        "agent-1",
		JobType:        store.JobTypeRecurring,
		Title:          "Morning digest",
		CronExpression: "0 9 * * *",
		Timezone:       "America/New_York",
		ActionType:     store.ActionAgentTask,
	})
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// US spring-forward 2026 is March 8. The day before, 9am Eastern is
	// 14:00 UTC; the day after it is 13:00 UTC.
	now := time.Date(2026, 3, 7, 9, 30, 0, 0, loc)
	require.NoError(t, sched.Advance(ctx, job, now))

	next := mem.Jobs[job.ID].NextRunAt.In(loc)
	assert.Equal(t, 9, next.Hour(), "fires at 9am local regardless of DST")
	assert.Equal(t, 8, next.Day())
	assert.Equal(t, time.Date(2026, 3, 8, 13, 0, 0, 0, time.UTC), mem.Jobs[job.ID].NextRunAt)
}

func TestListDueJobsOrdering(t *testing.T) {
	sched, _ := newScheduler(t)
	ctx := context.Background()

	older := time.Now().UTC().Add(-2 * time.Hour)
	newer := time.Now().UTC().Add(-time.Minute)

	late, err := sched.CreateJob(ctx, JobSpec{
		AgentID: "agent-1", Title: "newer", RunAt: &newer, ActionType: store.ActionNotify,
	})
	require.NoError(t, err)
	early, err := sched.CreateJob(ctx, JobSpec{
		AgentID: "agent-1", Title: "older", RunAt: &older, ActionType: store.ActionNotify,
	})
	require.NoError(t, err)

	due, err := sched.ListDueJobs(ctx, time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID, "oldest-due first")
	assert.Equal(t, late.ID, due[1].ID)
}

func TestUpdateJobRetimesCron(t *testing.T) {
	sched, _ := newScheduler(t)
	ctx := context.Background()

	job, err := sched.CreateJob(ctx, JobSpec{
		AgentID:        "agent-1",
		Title:          "Digest",
		CronExpression: "0 8 * * *",
		Timezone:       "UTC",
		ActionType:     store.ActionAgentTask,
	})
	require.NoError(t, err)

	expr := "0 17 * * *"
	updated, err := sched.UpdateJob(ctx, job.ID, "agent-1", JobPatch{CronExpression: &expr})
	require.NoError(t, err)

	require.NotNil(t, updated.CronExpression)
	assert.Equal(t, expr, *updated.CronExpression)
	assert.Equal(t, 17, updated.NextRunAt.UTC().Hour())
	assert.NotEqual(t, job.NextRunAt, updated.NextRunAt)
}

func TestUpdateJobPauseResume(t *testing.T) {
	sched, mem := newScheduler(t)
	ctx := context.Background()

	job, err := sched.CreateJob(ctx, JobSpec{
		AgentID:        "agent-1",
		Title:          "Digest",
		CronExpression: "* * * * *",
		ActionType:     store.ActionNotify,
	})
	require.NoError(t, err)

	paused := store.JobStatusPaused
	_, err = sched.UpdateJob(ctx, job.ID, "agent-1", JobPatch{Status: &paused})
	require.NoError(t, err)

	due, err := sched.ListDueJobs(ctx, time.Now().Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, due, "paused jobs are not due")

	mem.Jobs[job.ID].FailureCount = 2
	active := store.JobStatusActive
	_, err = sched.UpdateJob(ctx, job.ID, "agent-1", JobPatch{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, 0, mem.Jobs[job.ID].FailureCount, "resume clears the breaker")
}

func TestCancelJobIdempotent(t *testing.T) {
	sched, mem := newScheduler(t)
	ctx := context.Background()

	runAt := time.Now().UTC().Add(time.Hour)
	job, err := sched.CreateJob(ctx, JobSpec{
		AgentID: "agent-1", Title: "Cancel me", RunAt: &runAt, ActionType: store.ActionNotify,
	})
	require.NoError(t, err)

	require.NoError(t, sched.CancelJob(ctx, job.ID, "agent-1"))
	require.NoError(t, sched.CancelJob(ctx, job.ID, "agent-1"))
	assert.Equal(t, store.JobStatusCancelled, mem.Jobs[job.ID].Status)

	// Cancelled jobs remain for audit, but never become due.
	assert.Len(t, mem.Jobs, 1)
	due, err := sched.ListDueJobs(ctx, runAt.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCancelJobWrongAgent(t *testing.T) {
	sched, _ := newScheduler(t)
	ctx := context.Background()

	runAt := time.Now().UTC().Add(time.Hour)
	job, err := sched.CreateJob(ctx, JobSpec{
		AgentID: "agent-1", Title: "Mine", RunAt: &runAt, ActionType: store.ActionNotify,
	})
	require.NoError(t, err)

	err = sched.CancelJob(ctx, job.ID, "agent-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHumanNextRun(t *testing.T) {
	next := time.Date(2026, 9, 7, 13, 0, 0, 0, time.UTC)
	job := &store.ScheduledJob{NextRunAt: next, Timezone: "America/New_York"}
	assert.Equal(t, "Mon, 07 Sep 2026 09:00 EDT", HumanNextRun(job))

	// An unknown timezone falls back to a plain UTC rendering.
	job.Timezone = "Mars/Olympus"
	assert.Equal(t, next.Format(time.RFC1123), HumanNextRun(job))
}
