package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireDrainsBucket(t *testing.T) {
	rl := NewTokenBucketRateLimiter(2, time.Minute, 2)

	ok, _ := rl.TryAcquire()
	assert.True(t, ok)
	ok, _ = rl.TryAcquire()
	assert.True(t, ok)

	ok, wait := rl.TryAcquire()
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestTryAcquireRefills(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1, 10*time.Millisecond, 1)

	ok, _ := rl.TryAcquire()
	require.True(t, ok)
	ok, _ = rl.TryAcquire()
	require.False(t, ok)

	time.Sleep(15 * time.Millisecond)

	ok, _ = rl.TryAcquire()
	assert.True(t, ok)
}

func TestRefillNeverExceedsCapacity(t *testing.T) {
	rl := NewTokenBucketRateLimiter(2, time.Millisecond, 10)

	time.Sleep(5 * time.Millisecond)

	for i := 0; i < 2; i++ {
		ok, _ := rl.TryAcquire()
		require.True(t, ok, "token %d", i)
	}
}

func TestLimiterMetrics(t *testing.T) {
	rl := NewTokenBucketRateLimiter(1, time.Minute, 1)

	rl.TryAcquire()
	rl.TryAcquire()

	m := rl.Metrics()
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(1), m.AllowedRequests)
	assert.Equal(t, int64(1), m.RejectedRequests)
}
