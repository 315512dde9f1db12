// Package ratelimit provides the per-key counting primitives used by the
// request tracker.
//
// # Sliding Window
//
// SlidingWindow keeps the timestamps of recent events for one key in a
// bounded ring-buffer deque. One deque answers the minute, hour and day
// windows:
//
//	sw := ratelimit.NewSlidingWindow(24*time.Hour, 0)
//	sw.Record(now)
//	perMinute := sw.CountSince(now, time.Minute)
//
// # Checking Limits
//
// Check evaluates a counter against a set of thresholds and reports the first
// window that is exceeded together with a retry-after hint:
//
//	res := ratelimit.Check(sw, now, ratelimit.Limits{PerMinute: 60, Burst: 5}, nil)
//
// # Token Bucket
//
// TokenBucket backs the optional token_bucket burst mode, where requests over
// the per-minute rate spend tokens from a bucket of size burst.
//
// # Thread Safety
//
// SlidingWindow is not synchronized; the storage package serializes access per
// key. TokenBucket carries its own mutex.
package ratelimit
