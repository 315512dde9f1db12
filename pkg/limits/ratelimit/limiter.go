package ratelimit

import (
	"fmt"
	"time"
)

// Check evaluates one key's counter against limits at now. The caller records
// the event first; the count therefore includes the request being checked.
//
// Windows are evaluated minute, hour, day and the first exceeded one is
// reported. A window holding a saturated counter is exceeded. burst is only consulted in token_bucket mode and may be nil.
//
// Example:
//
//	sw.Record(now)
//	res := Check(sw, now, Limits{PerMinute: 60, PerHour: 1000, Burst: 5}, nil)
//	if !res.Allowed {
//	    // reject, res.RetryAfter tells the client when to come back
//	}
func Check(sw *SlidingWindow, now time.Time, limits Limits, burst *TokenBucket) CheckResult {
	usage := Measure(sw, now)

	if limits.PerMinute > 0 && exceeds(sw, now, time.Minute, usage.Minute, limits.PerMinute) {
		ceiling := limits.PerMinute + limits.Burst
		if burst != nil {
			ceiling = limits.PerMinute
		}
		exceeded := exceeds(sw, now, time.Minute, usage.Minute, ceiling)
		if burst != nil && exceeded {
			exceeded = !burst.Take(1, now)
		}
		if exceeded {
			retry := sw.RetryAfter(now, time.Minute, ceiling)
			if burst != nil {
				if wait := burst.TimeUntilAvailable(1, now); wait < retry {
					retry = wait
				}
			}
			return deny(WindowMinute, ceiling, usage, retry)
		}
	}

	if limits.PerHour > 0 && exceeds(sw, now, time.Hour, usage.Hour, limits.PerHour) {
		return deny(WindowHour, limits.PerHour, usage, sw.RetryAfter(now, time.Hour, limits.PerHour))
	}

	if limits.PerDay > 0 && exceeds(sw, now, 24*time.Hour, usage.Day, limits.PerDay) {
		return deny(WindowDay, limits.PerDay, usage, sw.RetryAfter(now, 24*time.Hour, limits.PerDay))
	}

	return CheckResult{Allowed: true, Usage: usage}
}

// Measure returns the counter's usage at now without evaluating limits.
func Measure(sw *SlidingWindow, now time.Time) Usage {
	return Usage{
		Minute: sw.CountSince(now, time.Minute),
		Hour:   sw.CountSince(now, time.Hour),
		Day:    sw.CountSince(now, 24*time.Hour),
	}
}

// exceeds reports whether count is over limit. A saturated window is over
// any limit since its real count is unknown.
func exceeds(sw *SlidingWindow, now time.Time, window time.Duration, count, limit int) bool {
	return count > limit || sw.Saturated(now, window)
}

func deny(w Window, limit int, usage Usage, retry time.Duration) CheckResult {
	var count int
	switch w {
	case WindowMinute:
		count = usage.Minute
	case WindowHour:
		count = usage.Hour
	default:
		count = usage.Day
	}
	return CheckResult{
		Allowed:    false,
		Reason:     fmt.Sprintf("requests per %s limit exceeded (%d > %d)", w, count, limit),
		Window:     w,
		Limit:      limit,
		Usage:      usage,
		RetryAfter: retry,
	}
}
