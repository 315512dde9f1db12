// Package logging builds the process logger from the telemetry.logging
// configuration section.
//
// Components never call into this package: they accept a *slog.Logger and
// tag it with a "component" attribute. Only cmd/throttle builds the root
// logger.
//
// # Usage
//
//	logger, err := logging.New(logging.FromConfig(cfg.Telemetry.Logging, os.Stderr))
//	if err != nil {
//	    return err
//	}
//	slog.SetDefault(logger)
//
// # PII Redaction
//
// With RedactPII enabled, string attribute values are rewritten before they
// are encoded:
//
//   - IPv4 addresses: 192.168.1.100 → 192.*.*.*
//   - IPv6 addresses: 2001:db8::1 → 2001:*
//   - E-mails: user@example.com → u***@example.com
//   - Attributes named like password, secret, token or redis_url → ***
//
// Keys such as "ip:10.0.0.1" are redacted in place, so limit decisions can
// still be correlated by dimension.
package logging
