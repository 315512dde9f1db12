package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"mercator-hq/throttle/pkg/limits"
)

// Default request headers read by Throttle.
const (
	DefaultUserHeader = "X-User-ID"
	DefaultTierHeader = "X-Tenant-Tier"
	DefaultToolHeader = "X-Tool-Name"
)

// Tracker decides whether a request may proceed.
type Tracker interface {
	TrackRequest(ctx context.Context, d limits.RequestDescriptor) limits.Decision
}

// ThrottleConfig selects where the request descriptor is read from. The
// user and tier headers must be set by a trusted authentication layer.
type ThrottleConfig struct {
	UserHeader string
	TierHeader string
	ToolHeader string

	// TrustForwardedFor takes the client address from the first
	// X-Forwarded-For entry instead of the connection.
	TrustForwardedFor bool
}

func (c *ThrottleConfig) applyDefaults() {
	if c.UserHeader == "" {
		c.UserHeader = DefaultUserHeader
	}
	if c.TierHeader == "" {
		c.TierHeader = DefaultTierHeader
	}
	if c.ToolHeader == "" {
		c.ToolHeader = DefaultToolHeader
	}
}

// Throttle checks every request against the tracker before forwarding it.
//
// This middleware:
//   - Builds a RequestDescriptor from the client address and headers
//   - Sets X-RateLimit-Limit and X-RateLimit-Remaining from the decision
//   - Rejects denied requests with 429, Retry-After and a JSON error body
//
// Example:
//
//	handler = middleware.Throttle(tracker, middleware.ThrottleConfig{})(next)
func Throttle(tracker Tracker, cfg ThrottleConfig) func(http.Handler) http.Handler {
	cfg.applyDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec := tracker.TrackRequest(r.Context(), Descriptor(r, cfg))

			SetDecisionHeaders(w, dec)
			if !dec.Allowed {
				WriteDenied(w, dec)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Descriptor builds the request descriptor of r.
func Descriptor(r *http.Request, cfg ThrottleConfig) limits.RequestDescriptor {
	cfg.applyDefaults()
	return limits.RequestDescriptor{
		IP:         ClientIP(r, cfg.TrustForwardedFor),
		UserID:     strings.TrimSpace(r.Header.Get(cfg.UserHeader)),
		ToolName:   strings.TrimSpace(r.Header.Get(cfg.ToolHeader)),
		TenantTier: strings.TrimSpace(r.Header.Get(cfg.TierHeader)),
	}
}

// ClientIP returns the client address of r without the port.
func ClientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SetDecisionHeaders sets rate limit headers on the response. Limit and
// remaining describe the per-minute window of the most constrained
// dimension.
func SetDecisionHeaders(w http.ResponseWriter, dec limits.Decision) {
	limit, remaining, found := 0, 0, false
	for _, c := range dec.Checks {
		if c.Held || c.Rule.RequestsPerMinute == 0 {
			continue
		}
		l := c.Rule.RequestsPerMinute + c.Rule.BurstAllowance
		rem := l - c.Usage.Minute
		if rem < 0 {
			rem = 0
		}
		if !found || rem < remaining {
			limit, remaining, found = l, rem, true
		}
	}
	if found {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}

	if dec.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSeconds))
	}
}

// WriteDenied writes the 429 response of a denied decision.
func WriteDenied(w http.ResponseWriter, dec limits.Decision) {
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: errorBody{
		Type:              "rate_limit_exceeded",
		Message:           dec.Reason,
		Dimension:         string(dec.DeniedDimension),
		RetryAfterSeconds: dec.RetryAfterSeconds,
	}})
}
