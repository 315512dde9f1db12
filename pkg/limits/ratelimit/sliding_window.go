package ratelimit

import (
	"sort"
	"time"
)

const (
	// DefaultRetention is the horizon beyond which samples are discarded.
	DefaultRetention = 24 * time.Hour

	// DefaultMaxSamples bounds the number of timestamps kept per key.
	DefaultMaxSamples = 65536

	initialSamples = 8
)

// SlidingWindow records event timestamps for a single key and answers
// "how many events happened in the last W" for any W up to the retention
// horizon.
//
// # Algorithm
//
// Samples are kept in arrival order in a ring-buffer deque:
//
//  1. Record appends the timestamp at the tail
//  2. Every access first evicts samples older than the retention horizon
//     from the head (amortized O(1))
//  3. CountSince binary-searches the first sample newer than now-W, so the
//     minute, hour and day windows share one deque
//
// The deque grows geometrically up to MaxSamples. Once full, recording
// overwrites the oldest sample, so counts saturate at MaxSamples. Check
// treats a window holding a saturated counter as exceeded whatever its
// threshold.
//
// # Thread Safety
//
// SlidingWindow does no locking. Callers serialize access per key, which the
// storage.KeyStore does with its shard locks.
type SlidingWindow struct {
	retention  time.Duration
	maxSamples int

	samples []int64 // unix nanoseconds, ring buffer
	head    int     // index of the oldest sample
	size    int
}

// NewSlidingWindow creates a counter that keeps samples for retention and
// holds at most maxSamples of them. Zero values select the defaults.
func NewSlidingWindow(retention time.Duration, maxSamples int) *SlidingWindow {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &SlidingWindow{
		retention:  retention,
		maxSamples: maxSamples,
	}
}

// Record appends one event at now.
func (sw *SlidingWindow) Record(now time.Time) {
	sw.RecordN(now, 1)
}

// RecordN appends n events at now.
//
// Timestamps are kept non-decreasing: a caller that observed the clock before
// a concurrent caller but acquired the key lock after it is recorded at the
// newer timestamp.
func (sw *SlidingWindow) RecordN(now time.Time, n int) {
	ts := now.UnixNano()
	sw.trim(ts)
	if sw.size > 0 {
		if last := sw.at(sw.size - 1); ts < last {
			ts = last
		}
	}
	for i := 0; i < n; i++ {
		sw.push(ts)
	}
}

// CountSince returns the number of samples with timestamp > now-window.
// Windows longer than the retention horizon are clamped to it.
func (sw *SlidingWindow) CountSince(now time.Time, window time.Duration) int {
	ts := now.UnixNano()
	sw.trim(ts)
	if window >= sw.retention {
		return sw.size
	}
	return sw.size - sw.firstAfter(ts-int64(window))
}

// RetryAfter returns how long until fewer than threshold samples remain
// inside window, i.e. until one more event would fit. Zero means an event
// would fit now.
func (sw *SlidingWindow) RetryAfter(now time.Time, window time.Duration, threshold int) time.Duration {
	if window > sw.retention {
		window = sw.retention
	}
	count := sw.CountSince(now, window)
	saturated := sw.Saturated(now, window)
	if count < threshold && !saturated {
		return 0
	}
	// Once the sample at index size-threshold leaves the window, the
	// remaining count is threshold-1. A saturated counter cannot tell, so
	// the oldest sample is used.
	idx := sw.size - threshold
	if threshold <= 0 {
		idx = sw.size - 1
	}
	if idx < 0 {
		if !saturated {
			return 0
		}
		idx = 0
	}
	expires := sw.at(idx) + int64(window)
	wait := time.Duration(expires - now.UnixNano())
	if wait < 0 {
		return 0
	}
	return wait
}

// Trim evicts samples older than the retention horizon.
func (sw *SlidingWindow) Trim(now time.Time) {
	sw.trim(now.UnixNano())
}

// Len returns the number of retained samples.
func (sw *SlidingWindow) Len() int {
	return sw.size
}

// Saturated reports whether the counter is full and every retained sample
// lies inside window. The true count in window is then at least MaxSamples
// and CountSince understates it.
func (sw *SlidingWindow) Saturated(now time.Time, window time.Duration) bool {
	ts := now.UnixNano()
	sw.trim(ts)
	if sw.size < sw.maxSamples {
		return false
	}
	if window >= sw.retention {
		return true
	}
	return sw.at(0) > ts-int64(window)
}

// Reset drops every sample and releases the buffer.
func (sw *SlidingWindow) Reset() {
	sw.samples = nil
	sw.head = 0
	sw.size = 0
}

// Samples returns a copy of the retained timestamps, oldest first.
func (sw *SlidingWindow) Samples() []int64 {
	out := make([]int64, sw.size)
	for i := 0; i < sw.size; i++ {
		out[i] = sw.at(i)
	}
	return out
}

// Load replaces the contents with samples (unix nanoseconds). Unordered input
// is sorted; samples beyond the retention horizon of now are dropped.
func (sw *SlidingWindow) Load(now time.Time, samples []int64) {
	sw.Reset()
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, ts := range sorted {
		sw.push(ts)
	}
	sw.trim(now.UnixNano())
}

func (sw *SlidingWindow) trim(now int64) {
	cutoff := now - int64(sw.retention)
	for sw.size > 0 && sw.samples[sw.head] <= cutoff {
		sw.head = (sw.head + 1) % len(sw.samples)
		sw.size--
	}
	if sw.size == 0 {
		sw.head = 0
	}
}

// firstAfter returns the logical index of the first sample > cutoff.
func (sw *SlidingWindow) firstAfter(cutoff int64) int {
	return sort.Search(sw.size, func(i int) bool {
		return sw.at(i) > cutoff
	})
}

func (sw *SlidingWindow) at(i int) int64 {
	return sw.samples[(sw.head+i)%len(sw.samples)]
}

func (sw *SlidingWindow) push(ts int64) {
	if sw.size == len(sw.samples) {
		if len(sw.samples) < sw.maxSamples {
			sw.grow()
		} else {
			// Full: drop the oldest.
			sw.head = (sw.head + 1) % len(sw.samples)
			sw.size--
		}
	}
	sw.samples[(sw.head+sw.size)%len(sw.samples)] = ts
	sw.size++
}

func (sw *SlidingWindow) grow() {
	capacity := len(sw.samples) * 2
	if capacity < initialSamples {
		capacity = initialSamples
	}
	if capacity > sw.maxSamples {
		capacity = sw.maxSamples
	}
	next := make([]int64, capacity)
	for i := 0; i < sw.size; i++ {
		next[i] = sw.at(i)
	}
	sw.samples = next
	sw.head = 0
}
