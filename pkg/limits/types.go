package limits

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mercator-hq/throttle/pkg/limits/policy"
	"mercator-hq/throttle/pkg/limits/ratelimit"
)

// Dimension represents a limiting dimension.
type Dimension string

const (
	// DimensionIP limits by client address.
	DimensionIP Dimension = "ip"

	// DimensionUser limits by user ID. Anonymous requests skip it.
	DimensionUser Dimension = "user"

	// DimensionTool limits by tool name.
	DimensionTool Dimension = "tool"
)

// Dimensions lists every dimension in evaluation order.
var Dimensions = []Dimension{DimensionIP, DimensionUser, DimensionTool}

// LimitType returns the policy limit type of d.
func (d Dimension) LimitType() policy.LimitType {
	return policy.LimitType(d)
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionIP, DimensionUser, DimensionTool:
		return true
	}
	return false
}

// ToolScope selects how tool counters are keyed.
type ToolScope string

const (
	// ToolScopeGlobal keeps one counter per tool shared by every caller.
	ToolScopeGlobal ToolScope = "global"

	// ToolScopeCaller keeps one counter per tool and caller.
	ToolScopeCaller ToolScope = "caller"
)

var (
	// ErrConfigInvalid is returned when a configuration fails validation.
	ErrConfigInvalid = errors.New("invalid limits configuration")

	// ErrInvalidKey is returned for keys not of the form dimension:identifier.
	ErrInvalidKey = errors.New("invalid key")

	// ErrUnknownDimension is returned for dimensions outside Dimensions.
	ErrUnknownDimension = errors.New("unknown dimension")
)

// RequestDescriptor describes one inbound request.
type RequestDescriptor struct {
	// Timestamp is when the request arrived. Zero means now.
	Timestamp time.Time

	// IP is the client address.
	IP string

	// UserID is the authenticated user. Empty for anonymous requests.
	UserID string

	// ToolName is the tool being called, if any.
	ToolName string

	// TenantTier is the tier claimed by the caller's credentials.
	TenantTier string
}

// DimensionCheck is the diagnostic of one dimension of a decision.
type DimensionCheck struct {
	Dimension Dimension        `json:"dimension"`
	Key       string           `json:"key"`
	Allowed   bool             `json:"allowed"`
	Held      bool             `json:"held,omitempty"`
	Usage     ratelimit.Usage  `json:"usage"`
	Rule      policy.LimitRule `json:"rule"`
	Source    policy.Source    `json:"source"`
	Reason    string           `json:"reason,omitempty"`

	// Distributed is the cross-instance count, when a vote was taken.
	Distributed int `json:"distributed,omitempty"`
}

// Decision is the outcome of TrackRequest.
type Decision struct {
	// Allowed indicates if the request may proceed.
	Allowed bool `json:"allowed"`

	// DeniedDimension is the first dimension that denied the request.
	// Empty when allowed.
	DeniedDimension Dimension `json:"denied_dimension,omitempty"`

	// RetryAfterSeconds hints when the caller may retry. 0 when allowed.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`

	// Reason explains a denial.
	Reason string `json:"reason,omitempty"`

	// Degraded is true when the distributed vote was dropped.
	Degraded bool `json:"degraded,omitempty"`

	// Shadowed is true when the request exceeded a limit but was allowed
	// because enforcement runs in alert mode.
	Shadowed bool `json:"shadowed,omitempty"`

	// Tier is the effective tier the request was resolved with.
	Tier string `json:"tier"`

	// Checks holds one entry per evaluated dimension.
	Checks []DimensionCheck `json:"checks,omitempty"`
}

// DimensionStats aggregates one dimension.
type DimensionStats struct {
	Requests   int64 `json:"requests"`
	Blocked    int64 `json:"blocked"`
	ActiveKeys int   `json:"active_keys"`
	Evictions  int64 `json:"evictions"`
}

// Stats is a point-in-time view of the tracker.
type Stats struct {
	TotalRequests        int64                        `json:"total_requests"`
	BlockedRequests      int64                        `json:"blocked_requests"`
	ShadowedRequests     int64                        `json:"shadowed_requests"`
	PerDimension         map[Dimension]DimensionStats `json:"per_dimension"`
	ActiveKeys           int                          `json:"active_keys"`
	HeldKeys             int                          `json:"held_keys"`
	DistributedFallbacks int64                        `json:"distributed_fallbacks"`
	ConfigVersion        string                       `json:"config_version"`
}

// ParseKey splits a "dimension:identifier" key.
func ParseKey(key string) (Dimension, string, error) {
	dim, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("%w: %q (expected dimension:identifier)", ErrInvalidKey, key)
	}
	d := Dimension(dim)
	if !d.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
	}
	return d, id, nil
}

// Key joins a dimension and an identifier.
func Key(d Dimension, id string) string {
	return string(d) + ":" + id
}
