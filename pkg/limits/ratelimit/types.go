package ratelimit

import "time"

// Window names a counting window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// BurstMode selects how the burst allowance is spent.
type BurstMode string

const (
	// BurstAdditive raises the per-minute ceiling to rate + burst.
	BurstAdditive BurstMode = "additive"

	// BurstTokenBucket admits over-rate requests only while a token bucket
	// of size burst, refilled over one minute, has tokens.
	BurstTokenBucket BurstMode = "token_bucket"
)

// Limits holds the thresholds evaluated against one key's counter.
// A zero threshold disables that window.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
	Burst     int
}

// Usage is the per-window count observed during a check.
type Usage struct {
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
}

// CheckResult contains the result of a rate limit check.
type CheckResult struct {
	// Allowed indicates if the request is permitted.
	Allowed bool

	// Reason explains why the request was rejected (if Allowed=false).
	Reason string

	// Window is the window that rejected the request.
	Window Window

	// Limit is the effective threshold of the rejecting window.
	Limit int

	// Usage holds the counts seen by the check.
	Usage Usage

	// RetryAfter suggests how long to wait before retrying.
	RetryAfter time.Duration
}
