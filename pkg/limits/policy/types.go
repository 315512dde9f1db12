package policy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"mercator-hq/throttle/pkg/limits/ratelimit"
)

// LimitType names a dimension a rule applies to.
type LimitType string

const (
	LimitIP   LimitType = "ip"
	LimitUser LimitType = "user"
	LimitTool LimitType = "tool"
)

// LimitTypes lists the known limit types in evaluation order.
var LimitTypes = []LimitType{LimitIP, LimitUser, LimitTool}

// Valid reports whether t is a known limit type.
func (t LimitType) Valid() bool {
	switch t {
	case LimitIP, LimitUser, LimitTool:
		return true
	}
	return false
}

var (
	// ErrUnknownLimitType is returned by admin operations naming a limit
	// type outside LimitTypes.
	ErrUnknownLimitType = errors.New("unknown limit type")

	// ErrInvalidRule is returned when a rule fails validation.
	ErrInvalidRule = errors.New("invalid limit rule")

	// ErrUnknownTier is returned when assigning a tier the snapshot lacks.
	ErrUnknownTier = errors.New("unknown tier")
)

// Fallback values used when the policy document has no answer.
const (
	FallbackTier = "bronze"

	bypassPerMinute = 1 << 20
	bypassPerHour   = 1 << 24
)

// DefaultRule applies to limit types without a configured base rule.
var DefaultRule = LimitRule{
	RequestsPerMinute: 100,
	RequestsPerHour:   6000,
	Weight:            1,
}

// BypassRule is the fixed rule given to bypassed identities. Its thresholds
// are above anything a counter can hold.
var BypassRule = LimitRule{
	RequestsPerMinute: bypassPerMinute,
	RequestsPerHour:   bypassPerHour,
	Weight:            1,
}

// LimitRule holds the thresholds of one limit type. Rules are values: every
// transformation returns a copy.
type LimitRule struct {
	RequestsPerMinute int           `json:"requests_per_minute"`
	RequestsPerHour   int           `json:"requests_per_hour"`
	RequestsPerDay    int           `json:"requests_per_day,omitempty"`
	BurstAllowance    int           `json:"burst_allowance,omitempty"`
	PenaltyDuration   time.Duration `json:"penalty_duration,omitempty"`
	Weight            float64       `json:"weight"`
}

// Scale multiplies the thresholds by m with floor rounding. A positive
// threshold never scales below 1. Penalty and weight are left unchanged.
func (r LimitRule) Scale(m float64) LimitRule {
	if m == 1 {
		return r
	}
	r.RequestsPerMinute = scale(r.RequestsPerMinute, m)
	r.RequestsPerHour = scale(r.RequestsPerHour, m)
	r.RequestsPerDay = scale(r.RequestsPerDay, m)
	r.BurstAllowance = scale(r.BurstAllowance, m)
	return r
}

func scale(v int, m float64) int {
	if v <= 0 {
		return v
	}
	scaled := math.Floor(float64(v) * m)
	if scaled < 1 {
		return 1
	}
	if scaled > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(scaled)
}

// Cost is the number of samples one request records: the weight rounded,
// at least 1.
func (r LimitRule) Cost() int {
	c := int(math.Round(r.Weight))
	if c < 1 {
		return 1
	}
	return c
}

// Limits converts the rule into counter thresholds.
func (r LimitRule) Limits() ratelimit.Limits {
	return ratelimit.Limits{
		PerMinute: r.RequestsPerMinute,
		PerHour:   r.RequestsPerHour,
		PerDay:    r.RequestsPerDay,
		Burst:     r.BurstAllowance,
	}
}

// Validate checks the ordering and sign constraints of a rule.
func (r LimitRule) Validate() error {
	switch {
	case r.RequestsPerMinute <= 0:
		return fmt.Errorf("%w: requests per minute must be positive", ErrInvalidRule)
	case r.RequestsPerHour <= 0:
		return fmt.Errorf("%w: requests per hour must be positive", ErrInvalidRule)
	case r.RequestsPerDay < 0, r.BurstAllowance < 0, r.PenaltyDuration < 0:
		return fmt.Errorf("%w: negative value", ErrInvalidRule)
	case r.Weight <= 0:
		return fmt.Errorf("%w: weight must be positive", ErrInvalidRule)
	case r.RequestsPerMinute > r.RequestsPerHour:
		return fmt.Errorf("%w: requests per minute (%d) exceed requests per hour (%d)",
			ErrInvalidRule, r.RequestsPerMinute, r.RequestsPerHour)
	case r.RequestsPerDay > 0 && r.RequestsPerHour > r.RequestsPerDay:
		return fmt.Errorf("%w: requests per hour (%d) exceed requests per day (%d)",
			ErrInvalidRule, r.RequestsPerHour, r.RequestsPerDay)
	}
	return nil
}

// Tier is a named service level.
type Tier struct {
	Name       string
	Multiplier float64
	Priority   int
	Rules      map[LimitType]LimitRule
}

// TimeWindow scales thresholds during part of the day.
type TimeWindow struct {
	Name string

	// Start and End are minutes since midnight. End <= Start wraps past
	// midnight.
	Start int
	End   int

	// Days is a bitmask of time.Weekday values. Zero means every day.
	Days uint8

	Multiplier float64
	Active     bool

	// Types restricts the window to some limit types. Empty means all.
	Types []LimitType
}

// Contains reports whether t (already in the snapshot's location) falls in
// the window. For a window wrapping past midnight the weekday of t is used
// for both halves. Validation rejects Start == End.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.Active {
		return false
	}
	if w.Days != 0 && w.Days&(1<<uint(t.Weekday())) == 0 {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if w.Start < w.End {
		return minute >= w.Start && minute < w.End
	}
	return minute >= w.Start || minute < w.End
}

// AppliesTo reports whether the window scales rules of type lt.
func (w TimeWindow) AppliesTo(lt LimitType) bool {
	if len(w.Types) == 0 {
		return true
	}
	for _, t := range w.Types {
		if t == lt {
			return true
		}
	}
	return false
}

// Query is one resolution request.
type Query struct {
	// Type is the dimension being resolved.
	Type LimitType

	// Tier is the effective tier, usually the result of TierFor.
	Tier string

	// Target is the dimension identifier (IP, user id or tool name).
	Target string

	// UserID and IP identify the caller for bypass matching and user
	// overrides. Either may be empty.
	UserID string
	IP     string

	Now time.Time
}

// Source tells which step produced a resolved rule.
type Source string

const (
	SourceBase     Source = "base"
	SourceTier     Source = "tier"
	SourceOverride Source = "override"
	SourceBypass   Source = "bypass"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Rule   LimitRule `json:"rule"`
	Tier   string    `json:"tier"`
	Source Source    `json:"source"`

	// Windows lists the time windows that scaled the rule, in order.
	Windows []string `json:"windows,omitempty"`
}
