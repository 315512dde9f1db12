package enforcement

import (
	"fmt"
	"time"
)

// Enforcer decides what happens to a request once a limit is exceeded and
// keeps the penalty box of held keys.
type Enforcer struct {
	config Config
	box    *PenaltyBox
}

// NewEnforcer creates a new enforcer.
//
// Example:
//
//	enforcer := NewEnforcer(Config{DefaultAction: ActionAlert}) // shadow mode
func NewEnforcer(config Config) *Enforcer {
	if config.DefaultAction == "" {
		config.DefaultAction = ActionBlock
	}

	return &Enforcer{
		config: config,
		box:    NewPenaltyBox(),
	}
}

// Enforce applies the configured action to a violation.
func (e *Enforcer) Enforce(reason string, retryAfter time.Duration) *Result {
	switch e.config.DefaultAction {
	case ActionAllow:
		return &Result{Allowed: true, Action: ActionAllow}
	case ActionAlert:
		return &Result{
			Allowed:      true,
			Action:       ActionAlert,
			Reason:       reason,
			AlertMessage: fmt.Sprintf("limit exceeded (shadow): %s", reason),
		}
	default:
		return &Result{
			Allowed:    false,
			Action:     ActionBlock,
			Reason:     reason,
			RetryAfter: retryAfter,
		}
	}
}

// Check reports whether key is held by a penalty or a manual block.
func (e *Enforcer) Check(key string, now time.Time) (Hold, bool) {
	return e.box.Check(key, now)
}

// Penalize starts or extends a penalty on key and returns its expiry.
// A non-positive duration is ignored.
func (e *Enforcer) Penalize(key string, now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return e.box.Penalize(key, now, d)
}

// Block refuses key until Unblock.
func (e *Enforcer) Block(key string) {
	e.box.Block(key)
}

// Unblock lifts a manual block or penalty on key.
func (e *Enforcer) Unblock(key string) bool {
	return e.box.Unblock(key)
}

// Sweep removes expired penalties.
func (e *Enforcer) Sweep(now time.Time) int {
	return e.box.Sweep(now)
}

// Held returns the number of keys currently held.
func (e *Enforcer) Held() int {
	return e.box.Len()
}

// BlockedKeys returns the manually blocked keys.
func (e *Enforcer) BlockedKeys() []string {
	return e.box.Blocked()
}

// GetConfig returns the enforcer's configuration.
func (e *Enforcer) GetConfig() Config {
	return e.config
}
