package llm

import (
	"sync"
	"time"
)

// RateLimitExceededError is returned when the request budget is exhausted.
type RateLimitExceededError struct {
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return "rate limit exceeded"
}

// TokenBucketRateLimiter implements the token bucket algorithm for limiting
// LLM call volume.
type TokenBucketRateLimiter struct {
	capacity     int
	tokens       int
	refillRate   time.Duration // Interval per refill
	refillAmount int           // Tokens added per interval
	lastRefill   time.Time
	mu           sync.Mutex
	metrics      *RateLimitMetrics
}

// RateLimitMetrics holds rate limiting counters.
type RateLimitMetrics struct {
	TotalRequests    int64
	AllowedRequests  int64
	RejectedRequests int64
}

// NewTokenBucketRateLimiter creates a new rate limiter.
func NewTokenBucketRateLimiter(capacity int, refillInterval time.Duration, refillAmount int) *TokenBucketRateLimiter {
	return &TokenBucketRateLimiter{
		capacity:     capacity,
		tokens:       capacity,
		refillRate:   refillInterval,
		refillAmount: refillAmount,
		lastRefill:   time.Now(),
		metrics:      &RateLimitMetrics{},
	}
}

// TryAcquire attempts to take a token. On refusal it returns false and the
// wait until the next refill.
func (r *TokenBucketRateLimiter) TryAcquire() (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.TotalRequests++

	now := time.Now()
	elapsed := now.Sub(r.lastRefill)

	if elapsed >= r.refillRate {
		intervals := int(elapsed / r.refillRate)

		tokensToAdd := intervals * r.refillAmount
		if r.tokens+tokensToAdd > r.capacity {
			r.tokens = r.capacity
		} else {
			r.tokens += tokensToAdd
		}

		// Keep the remainder for accuracy.
		r.lastRefill = now.Add(-elapsed % r.refillRate)
	}

	if r.tokens > 0 {
		r.tokens--
		r.metrics.AllowedRequests++
		return true, 0
	}

	r.metrics.RejectedRequests++
	wait := r.refillRate - now.Sub(r.lastRefill)
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

// Metrics returns a snapshot of the limiter counters.
func (r *TokenBucketRateLimiter) Metrics() RateLimitMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.metrics
}
