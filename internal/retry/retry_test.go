package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDoWithRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := DoWithRetry(context.Background(), func() error {
		calls++
		return nil
	}, fastConfig(3))

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoWithRetryRetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := DoWithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, fastConfig(3))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := DoWithRetry(context.Background(), func() error {
		calls++
		return errors.New("404 not found")
	}, fastConfig(3))

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := DoWithRetry(context.Background(), func() error {
		calls++
		return errors.New("timeout while calling provider")
	}, fastConfig(3))

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
}

func TestDoWithRetryPermanentError(t *testing.T) {
	calls := 0
	base := errors.New("connection refused")
	err := DoWithRetry(context.Background(), func() error {
		calls++
		// Retryable message, but explicitly marked permanent.
		return MarkPermanent(base)
	}, fastConfig(3))

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, base, err)
}

func TestDoWithRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := DoWithRetry(ctx, func() error {
		calls++
		cancel()
		return errors.New("timeout")
	}, Config{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Second})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"timeout", errors.New("request timeout"), true},
		{"rate limit", errors.New("429 too many requests"), true},
		{"server error", errors.New("502 bad gateway"), true},
		{"unauthorized", errors.New("401 unauthorized"), false},
		{"not found", errors.New("404 not found"), false},
		{"context canceled", errors.New("context canceled"), false},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"unknown", errors.New("something odd happened"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestCalculateBackoffCaps(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 400 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, calculateBackoff(0, initial, max))
	assert.Equal(t, 200*time.Millisecond, calculateBackoff(1, initial, max))
	assert.Equal(t, 400*time.Millisecond, calculateBackoff(2, initial, max))
	assert.Equal(t, max, calculateBackoff(10, initial, max))
}
