package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm.
//
// It backs the token_bucket burst mode: once a key is over its per-minute
// rate, each extra request must take a token. Tokens refill continuously at
// refillRate per second up to capacity, so a client that bursts has to slow
// down before it can burst again.
//
// All methods take the current time explicitly so callers share one clock
// with the sliding-window counters.
type TokenBucket struct {
	capacity   int64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a full bucket.
//
// Example:
//
//	// burst of 10, refilled over one minute
//	bucket := NewTokenBucket(10, 10.0/60, time.Now())
func NewTokenBucket(capacity int64, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now,
	}
}

// Take attempts to consume n tokens at now.
func (tb *TokenBucket) Take(n int64, now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(now)
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// Remaining returns the whole tokens available at now.
func (tb *TokenBucket) Remaining(now time.Time) int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(now)
	return int64(tb.tokens)
}

// Capacity returns the maximum bucket capacity.
func (tb *TokenBucket) Capacity() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.capacity
}

// Reset refills the bucket.
func (tb *TokenBucket) Reset(now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = float64(tb.capacity)
	tb.lastRefill = now
}

// TimeUntilAvailable returns how long until n tokens are available.
func (tb *TokenBucket) TimeUntilAvailable(n int64, now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(now)
	if tb.tokens >= float64(n) {
		return 0
	}
	if tb.refillRate <= 0 {
		return DefaultRetention
	}
	missing := float64(n) - tb.tokens
	return time.Duration(missing / tb.refillRate * float64(time.Second))
}

// refillLocked adds tokens for the time elapsed since the last refill.
// Caller must hold lock.
func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed.Seconds() * tb.refillRate
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
	tb.lastRefill = now
}
