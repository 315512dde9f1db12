// Package telemetry groups the observability packages of Throttle.
//
// # Components
//
//   - logging: slog construction from configuration, request id propagation
//     and PII redaction
//   - metrics: the Prometheus registry and the /metrics and /v1/stats
//     handlers
//   - health: liveness, readiness and version endpoints
//
// Tracker-specific collectors live in pkg/limits/metrics; this package only
// wires them to HTTP.
//
// # Usage
//
//	logger, err := logging.New(logging.FromConfig(cfg.Telemetry.Logging, os.Stderr))
//	reg := metrics.NewRegistry()
//	tracker, err := limits.FromConfig(cfg, limits.Options{Registerer: reg, Logger: logger})
//
//	checker := health.New(2 * time.Second)
//	checker.RegisterOptionalCheck("distributed", tracker.PingDistributed)
//
// # PII Protection
//
// With telemetry.logging.redact_pii set, client addresses and e-mail shaped
// identifiers are masked before they reach the log:
//
//   - Emails: user@example.com → u***@example.com
//   - IPv4: 192.168.1.1 → 192.*.*.*
//   - IPv6: 2001:db8::1 → 2001:*
package telemetry
