// Throttle is a rate-limiting and request-tracking service.
//
// It counts requests per client IP, user and tool over sliding windows and
// decides whether each request may proceed, providing:
//   - Tiered limits with time-of-day windows, overrides and bypass rules
//   - Penalties and manual blocks for abusive keys
//   - An optional Redis-backed cross-instance vote
//   - Prometheus metrics, health endpoints and an admin API
//
// Usage:
//
//	# Start the server with the default configuration file
//	throttle run
//
//	# Start with a custom configuration file
//	throttle run --config /etc/throttle/config.yaml
//
//	# Validate a configuration file
//	throttle validate --config config.yaml
//
//	# Replay synthetic traffic against the configured limits
//	throttle simulate --requests 500 --rate 20 --ips 10.0.0.1,10.0.0.2
//
//	# Show the rule a request would be evaluated against
//	throttle resolve --dimension user --user alice --tier gold
package main

import "os"

func main() {
	os.Exit(Execute())
}
