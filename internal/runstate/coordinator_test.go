package runstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/store"
	"github.com/kvashenko/valet/internal/store/storetest"
)

func seedTask(t *testing.T, mem *storetest.Memory) *store.Task {
	t.Helper()
	task := &store.Task{
		AgentID:      "agent-1",
		Title:        "Draft quarterly report",
		Status:       store.TaskStatusTodo,
		AssigneeType: store.AssigneeAgent,
	}
	require.NoError(t, mem.CreateTask(context.Background(), task))
	return task
}

func TestAcquireAndRelease(t *testing.T) {
	mem := storetest.New()
	task := seedTask(t, mem)
	coord := NewCoordinator(mem, logger.Discard(), time.Minute)
	ctx := context.Background()

	require.NoError(t, coord.Acquire(ctx, task.ID))
	assert.Equal(t, store.RunStateRunning, mem.Tasks[task.ID].AgentRunState)
	require.NotNil(t, mem.Tasks[task.ID].LockExpiresAt)

	// A second acquisition while the lease is live is rejected.
	err := coord.Acquire(ctx, task.ID)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	require.NoError(t, coord.Release(ctx, task.ID, store.RunStateCompleted))
	assert.Nil(t, mem.Tasks[task.ID].LockExpiresAt)
	assert.Equal(t, store.RunStateCompleted, mem.Tasks[task.ID].AgentRunState)

	// Released tasks can be acquired again.
	require.NoError(t, coord.Acquire(ctx, task.ID))
}

func TestAcquireAfterLeaseExpiry(t *testing.T) {
	mem := storetest.New()
	task := seedTask(t, mem)
	ctx := context.Background()

	// Simulate a crashed run: lease expired, lock never released.
	expired := time.Now().UTC().Add(-time.Minute)
	mem.Tasks[task.ID].LockExpiresAt = &expired
	mem.Tasks[task.ID].AgentRunState = store.RunStateRunning

	coord := NewCoordinator(mem, logger.Discard(), 0)
	require.NoError(t, coord.Acquire(ctx, task.ID), "expired locks are free")
	assert.Equal(t, DefaultLockTTL, coord.TTL())
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	mem := storetest.New()
	task := seedTask(t, mem)
	coord := NewCoordinator(mem, logger.Discard(), time.Minute)

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := coord.Acquire(context.Background(), task.ID); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one racer may hold the lock")
}

func TestReleaseRecordsNeedsInput(t *testing.T) {
	mem := storetest.New()
	task := seedTask(t, mem)
	coord := NewCoordinator(mem, logger.Discard(), time.Minute)
	ctx := context.Background()

	require.NoError(t, coord.Acquire(ctx, task.ID))
	require.NoError(t, coord.Release(ctx, task.ID, store.RunStateNeedsInput))
	assert.Equal(t, store.RunStateNeedsInput, mem.Tasks[task.ID].AgentRunState)
}
