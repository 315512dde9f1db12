// Package limits decides whether inbound requests may proceed based on per-IP,
// per-user and per-tool sliding-window counters.
//
// # Overview
//
// For every request the Tracker:
//
//   - refuses keys held by a manual block or an active penalty
//   - records the request on each populated dimension's counter
//   - resolves the effective rule (tier, time windows, overrides, bypass)
//   - denies when the minute, hour or day count exceeds its threshold
//   - optionally asks a distributed counter for the cross-instance count
//
// Dimensions are evaluated in the order ip, user, tool and combined with AND
// semantics: the first denying dimension is reported. A dimension the request
// does not carry (an anonymous request has no user) is never evaluated.
//
// # Architecture
//
// The package is organized into sub-packages:
//
//   - ratelimit: sliding-window counter and token bucket
//   - storage: bounded key store and SQLite counter snapshots
//   - policy: typed policy snapshot and resolver
//   - enforcement: penalty box and enforcement action
//   - distributed: Redis counter with local fallback
//   - metrics: non-blocking event sink and Prometheus collectors
//
// # Usage
//
//	cfg, err := config.LoadConfig("config.yaml")
//	if err != nil {
//	    return err
//	}
//	tracker, err := limits.FromConfig(cfg, limits.Options{Registerer: reg, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer tracker.Close()
//
//	decision := tracker.TrackRequest(ctx, limits.RequestDescriptor{IP: ip, UserID: userID})
//	if !decision.Allowed {
//	    return fmt.Errorf("rate limited: %s", decision.Reason)
//	}
//
// # Degradation
//
// TrackRequest never returns an error. When the distributed counter fails or
// times out its vote is dropped and the decision carries Degraded=true. Local
// dimensions are always enforced.
//
// # Thread Safety
//
// All Tracker methods are safe for concurrent use. Operations on one key are
// serialized by the key store's shard lock; policy snapshots are swapped
// atomically and never observed partially.
package limits
