package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/kvashenko/valet/internal/logger"
	"github.com/kvashenko/valet/internal/notify"
	"github.com/kvashenko/valet/internal/store"
)

// DefaultFailureThreshold is the number of consecutive failed executions
// after which a job is paused instead of retried forever.
const DefaultFailureThreshold = 3

// Breaker applies the per-job circuit breaker. Unlike an in-memory breaker
// the state lives on the job row itself, so it survives restarts and is
// shared by every dispatcher replica.
type Breaker struct {
	store     Store
	notifier  notify.Notifier
	logger    *logger.Logger
	threshold int
}

// NewBreaker creates a breaker. A threshold <= 0 falls back to the default.
func NewBreaker(st Store, notifier notify.Notifier, log *logger.Logger, threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if notifier == nil {
		notifier = notify.Null{}
	}
	return &Breaker{store: st, notifier: notifier, logger: log, threshold: threshold}
}

// RecordSuccess clears the job's consecutive-failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, job *store.ScheduledJob) error {
	if job.FailureCount == 0 && job.LastError == nil {
		return nil
	}
	return b.store.UpdateJobFields(ctx, job.ID, map[string]any{
		"failure_count": 0,
		"last_error":    nil,
	})
}

// RecordFailure increments the job's consecutive-failure count and records
// the cause. When the count reaches the threshold the job is paused and the
// user is notified; a paused job no longer appears in due-job queries until
// it is explicitly resumed.
func (b *Breaker) RecordFailure(ctx context.Context, job *store.ScheduledJob, cause error) (paused bool, err error) {
	count := job.FailureCount + 1
	fields := map[string]any{
		"failure_count": count,
		"last_error":    cause.Error(),
	}
	paused = count >= b.threshold
	if paused {
		fields["status"] = store.JobStatusPaused
	}
	if err := b.store.UpdateJobFields(ctx, job.ID, fields); err != nil {
		return false, fmt.Errorf("record job failure: %w", err)
	}

	if paused {
		b.logger.Warn("job paused after repeated failures",
			logger.Field{Key: "job_id", Value: job.ID},
			logger.Field{Key: "failure_count", Value: count},
			logger.Field{Key: "error", Value: cause.Error()},
		)
		n := notify.Notification{
			AgentID: job.AgentID,
			Kind:    notify.KindFailure,
			Title:   fmt.Sprintf("Scheduled job paused: %s", job.Title),
			Body: fmt.Sprintf("The job failed %d times in a row and has been paused. Last error: %s. Resume it once the cause is fixed.",
				count, cause.Error()),
			JobID: job.ID,
		}
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if nerr := b.notifier.Notify(nctx, n); nerr != nil {
			b.logger.Warn("failed to deliver pause notification",
				logger.Field{Key: "job_id", Value: job.ID},
				logger.Field{Key: "error", Value: nerr.Error()},
			)
		}
	}

	return paused, nil
}
