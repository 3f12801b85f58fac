// Package runstate coordinates exclusive agent runs on tasks. A task may
// have at most one live agent run at a time; acquisition is a single
// conditional update in the store, so two dispatchers racing for the same
// task cannot both win. Locks carry a TTL so a crashed run frees its task
// once the lease expires.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/store"
)

// ErrAlreadyLocked is returned when a task already has a live, unexpired
// agent run. Callers treat it as a skip, not a failure.
var ErrAlreadyLocked = errors.New("task is already locked by a live run")

// DefaultLockTTL bounds how long a crashed run can hold a task hostage.
const DefaultLockTTL = 30 * time.Minute

// Store is the subset of the persistence gateway the coordinator needs.
type Store interface {
	TryAcquireTaskLock(ctx context.Context, taskID string, until, now time.Time) (bool, error)
	ReleaseTaskLock(ctx context.Context, taskID string, state store.AgentRunState) error
}

// Coordinator grants and releases per-task run locks.
type Coordinator struct {
	store  Store
	logger *logger.Logger
	ttl    time.Duration
}

// NewCoordinator creates a Coordinator. A non-positive ttl falls back to
// DefaultLockTTL.
func NewCoordinator(st Store, log *logger.Logger, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Coordinator{store: st, logger: log, ttl: ttl}
}

// Acquire claims the task for a new agent run. It succeeds when the task is
// unlocked or its previous lock has expired; otherwise it returns
// ErrAlreadyLocked. On success the task's run state is "running" and the
// lease expires after the coordinator's TTL.
func (c *Coordinator) Acquire(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	ok, err := c.store.TryAcquireTaskLock(ctx, taskID, now.Add(c.ttl), now)
	if err != nil {
		return fmt.Errorf("failed to acquire task lock: %w", err)
	}
	if !ok {
		return ErrAlreadyLocked
	}
	c.logger.DebugCtx(ctx, "task lock acquired",
		logger.Field{Key: "task_id", Value: taskID},
		logger.Field{Key: "lease_ttl", Value: c.ttl})
	return nil
}

// Release clears the lock and records the run's terminal state. It is
// idempotent; releasing an unlocked task is a no-op.
func (c *Coordinator) Release(ctx context.Context, taskID string, state store.AgentRunState) error {
	if err := c.store.ReleaseTaskLock(ctx, taskID, state); err != nil {
		return fmt.Errorf("failed to release task lock: %w", err)
	}
	c.logger.DebugCtx(ctx, "task lock released",
		logger.Field{Key: "task_id", Value: taskID},
		logger.Field{Key: "run_state", Value: state})
	return nil
}

// TTL reports the lease duration used for new locks.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}
