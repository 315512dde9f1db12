// Package middleware provides the HTTP middleware of the throttle server and
// an adapter that puts a limits.Tracker in front of any http.Handler.
//
// # Chain
//
// The server applies, outermost first:
//
//	Recovery → RequestID → Logging → routes
//
// # Throttle
//
// Throttle builds a limits.RequestDescriptor from the client address and the
// X-User-ID, X-Tenant-Tier and X-Tool-Name headers, and answers 429 with a
// Retry-After header when the tracker denies the request:
//
//	handler = middleware.Throttle(tracker, middleware.ThrottleConfig{})(handler)
package middleware
