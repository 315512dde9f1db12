package enforcement

import "time"

// Action defines what to do when a limit is exceeded.
type Action string

const (
	// ActionAllow permits the request to proceed.
	ActionAllow Action = "allow"

	// ActionBlock rejects the request.
	ActionBlock Action = "block"

	// ActionAlert logs and counts the violation but allows the request.
	// This is the shadow mode used to roll out new limits.
	ActionAlert Action = "alert"
)

// Config contains configuration for the enforcer.
type Config struct {
	// DefaultAction is applied to every violation: block or alert.
	// Default: block
	DefaultAction Action
}

// Result contains the result of an enforcement action.
type Result struct {
	// Allowed indicates if the request should proceed.
	Allowed bool

	// Action is the enforcement action that was taken.
	Action Action

	// Reason explains why the request was blocked (if Allowed=false).
	Reason string

	// RetryAfter suggests how long to wait before retrying (if action=block).
	RetryAfter time.Duration

	// AlertMessage contains the alert message (if action=alert).
	AlertMessage string
}

// Hold describes why a key is currently refused regardless of its counters.
type Hold struct {
	// Manual is true for an administrative block, which has no expiry.
	Manual bool

	// Until is when a penalty expires. Zero for manual blocks.
	Until time.Time
}

// Remaining returns the time left on the hold at now. Manual blocks have no
// expiry and report zero.
func (h Hold) Remaining(now time.Time) time.Duration {
	if h.Manual || h.Until.IsZero() {
		return 0
	}
	if d := h.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}
