// Package enforcement decides what happens when a limit is exceeded.
//
// # Actions
//
//   - Block: reject the request with a retry-after hint
//   - Alert: log and count the violation but let the request through
//     (shadow mode, for rolling out new limits)
//
// # Penalty Box
//
// Keys that exceed a limit whose rule carries a penalty duration are refused
// until the penalty expires, whatever their counters say. Administrators can
// also block a key indefinitely:
//
//	enforcer := enforcement.NewEnforcer(enforcement.Config{DefaultAction: enforcement.ActionBlock})
//	enforcer.Penalize("ip:203.0.113.7", now, 5*time.Minute)
//	if hold, held := enforcer.Check("ip:203.0.113.7", now); held {
//	    // refuse, retry after hold.Remaining(now)
//	}
//
// # Thread Safety
//
// The Enforcer is thread-safe and can be used concurrently from multiple goroutines.
package enforcement
