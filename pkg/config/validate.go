package config

import (
	"fmt"
	"math"
	"net"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "limits.rules.ip").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateTracker(&cfg.Tracker)...)
	errs = append(errs, ValidateLimits(&cfg.Limits, cfg.Tracker.MaxSamples)...)
	errs = append(errs, validateDistributed(&cfg.Distributed)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateTracker(cfg *TrackerConfig) []FieldError {
	var errs []FieldError

	if cfg.MaxKeys <= 0 {
		errs = append(errs, FieldError{Field: "tracker.max_keys", Message: "must be positive"})
	}
	if cfg.KeyTTL <= 0 {
		errs = append(errs, FieldError{Field: "tracker.key_ttl", Message: "must be positive"})
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, FieldError{Field: "tracker.sweep_interval", Message: "must be positive"})
	}
	if cfg.Retention < time.Minute {
		errs = append(errs, FieldError{Field: "tracker.retention", Message: "must be at least 1m"})
	}
	if cfg.MaxSamples <= 0 {
		errs = append(errs, FieldError{Field: "tracker.max_samples", Message: "must be positive"})
	}
	if cfg.MaxClockSkew <= 0 {
		errs = append(errs, FieldError{Field: "tracker.max_clock_skew", Message: "must be positive"})
	}

	switch cfg.BurstMode {
	case "additive", "token_bucket":
	default:
		errs = append(errs, FieldError{
			Field:   "tracker.burst_mode",
			Message: fmt.Sprintf("invalid burst mode %q: must be 'additive' or 'token_bucket'", cfg.BurstMode),
		})
	}

	switch cfg.ToolScope {
	case "global", "caller":
	default:
		errs = append(errs, FieldError{
			Field:   "tracker.tool_scope",
			Message: fmt.Sprintf("invalid tool scope %q: must be 'global' or 'caller'", cfg.ToolScope),
		})
	}

	switch cfg.Enforcement.Action {
	case "block", "alert":
	default:
		errs = append(errs, FieldError{
			Field:   "tracker.enforcement.action",
			Message: fmt.Sprintf("invalid action %q: must be 'block' or 'alert'", cfg.Enforcement.Action),
		})
	}

	return errs
}

// ValidateLimits validates the limit policy document. Thresholds above
// maxSamples, as written or after tier and time-window scaling, are rejected
// because counts saturate there; pass 0 to skip that check.
func ValidateLimits(cfg *LimitsConfig, maxSamples int) []FieldError {
	var errs []FieldError

	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			errs = append(errs, FieldError{
				Field:   "limits.timezone",
				Message: fmt.Sprintf("unknown time zone %q", cfg.Timezone),
			})
		}
	}

	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		errs = append(errs, FieldError{
			Field:   "limits.default_tier",
			Message: fmt.Sprintf("default tier %q is not defined in limits.tiers", cfg.DefaultTier),
		})
	}

	for _, lt := range sortedKeys(cfg.Rules) {
		prefix := "limits.rules." + lt
		errs = append(errs, validateLimitType(prefix, lt)...)
		errs = append(errs, ValidateRule(prefix, cfg.Rules[lt], maxSamples)...)
	}

	for _, name := range sortedKeys(cfg.Tiers) {
		tier := cfg.Tiers[name]
		prefix := "limits.tiers." + name
		if tier.Multiplier <= 0 {
			errs = append(errs, FieldError{Field: prefix + ".multiplier", Message: "must be positive"})
		}
		for _, lt := range sortedKeys(tier.Rules) {
			rulePrefix := prefix + ".rules." + lt
			errs = append(errs, validateLimitType(rulePrefix, lt)...)
			errs = append(errs, ValidateRule(rulePrefix, tier.Rules[lt], maxSamples)...)
		}
	}

	for _, name := range sortedKeys(cfg.TimeWindows) {
		errs = append(errs, validateTimeWindow("limits.time_windows."+name, cfg.TimeWindows[name])...)
	}

	errs = append(errs, validateScaledThresholds(cfg, maxSamples)...)

	for _, target := range sortedKeys(cfg.Overrides) {
		rules := cfg.Overrides[target]
		for _, lt := range sortedKeys(rules) {
			prefix := fmt.Sprintf("limits.overrides.%s.%s", target, lt)
			errs = append(errs, validateLimitType(prefix, lt)...)
			errs = append(errs, ValidateRule(prefix, rules[lt], maxSamples)...)
		}
	}

	for _, user := range sortedKeys(cfg.UserTiers) {
		tier := cfg.UserTiers[user]
		if _, ok := cfg.Tiers[tier]; !ok {
			errs = append(errs, FieldError{
				Field:   "limits.user_tiers." + user,
				Message: fmt.Sprintf("unknown tier %q", tier),
			})
		}
	}

	for i, cond := range cfg.Bypass.Conditions {
		field := fmt.Sprintf("limits.bypass.conditions[%d]", i)
		if err := ValidateCondition(cond); err != nil {
			errs = append(errs, FieldError{Field: field, Message: err.Error()})
		}
	}

	return errs
}

// ValidateRule validates a single limit rule.
func ValidateRule(prefix string, rule LimitRuleConfig, maxSamples int) []FieldError {
	var errs []FieldError

	if rule.RequestsPerMinute <= 0 {
		errs = append(errs, FieldError{Field: prefix + ".requests_per_minute", Message: "must be positive"})
	}
	if rule.RequestsPerHour <= 0 {
		errs = append(errs, FieldError{Field: prefix + ".requests_per_hour", Message: "must be positive"})
	}
	if rule.RequestsPerDay < 0 {
		errs = append(errs, FieldError{Field: prefix + ".requests_per_day", Message: "cannot be negative"})
	}
	if rule.BurstAllowance < 0 {
		errs = append(errs, FieldError{Field: prefix + ".burst_allowance", Message: "cannot be negative"})
	}
	if rule.PenaltyDurationSeconds < 0 {
		errs = append(errs, FieldError{Field: prefix + ".penalty_duration_seconds", Message: "cannot be negative"})
	}
	if rule.Weight <= 0 {
		errs = append(errs, FieldError{Field: prefix + ".weight", Message: "must be positive"})
	}

	if rule.RequestsPerMinute > 0 && rule.RequestsPerHour > 0 && rule.RequestsPerMinute > rule.RequestsPerHour {
		errs = append(errs, FieldError{
			Field:   prefix + ".requests_per_minute",
			Message: fmt.Sprintf("requests per minute (%d) cannot exceed requests per hour (%d)", rule.RequestsPerMinute, rule.RequestsPerHour),
		})
	}
	if rule.RequestsPerDay > 0 && rule.RequestsPerHour > rule.RequestsPerDay {
		errs = append(errs, FieldError{
			Field:   prefix + ".requests_per_hour",
			Message: fmt.Sprintf("requests per hour (%d) cannot exceed requests per day (%d)", rule.RequestsPerHour, rule.RequestsPerDay),
		})
	}

	if maxSamples > 0 {
		if largest := largestThreshold(rule); largest > maxSamples {
			errs = append(errs, FieldError{
				Field:   prefix,
				Message: fmt.Sprintf("threshold %d exceeds tracker.max_samples (%d)", largest, maxSamples),
			})
		}
	}

	return errs
}

// largestThreshold returns the highest count a rule compares against.
func largestThreshold(rule LimitRuleConfig) int {
	largest := rule.RequestsPerMinute + rule.BurstAllowance
	if rule.RequestsPerHour > largest {
		largest = rule.RequestsPerHour
	}
	if rule.RequestsPerDay > largest {
		largest = rule.RequestsPerDay
	}
	return largest
}

// validateScaledThresholds rejects rules that fit under maxSamples as written
// but not once a tier multiplier and every overlapping time window above 1
// scale them. Overrides are never scaled and are left to ValidateRule.
func validateScaledThresholds(cfg *LimitsConfig, maxSamples int) []FieldError {
	if maxSamples <= 0 {
		return nil
	}
	var errs []FieldError

	for _, lt := range LimitTypes {
		windows := 1.0
		for _, name := range sortedKeys(cfg.TimeWindows) {
			w := cfg.TimeWindows[name]
			if w.IsActive() && w.Multiplier > 1 && windowAppliesTo(w, lt) {
				windows *= w.Multiplier
			}
		}

		for _, name := range sortedKeys(cfg.Tiers) {
			tier := cfg.Tiers[name]
			if tier.Multiplier <= 0 {
				continue
			}
			prefix := "limits.rules." + lt
			rule, ok := cfg.Rules[lt]
			if tierRule, hasTierRule := tier.Rules[lt]; hasTierRule {
				prefix = fmt.Sprintf("limits.tiers.%s.rules.%s", name, lt)
				rule, ok = tierRule, true
			}
			if !ok {
				continue
			}

			largest := largestThreshold(rule)
			if largest > maxSamples {
				// Already reported unscaled.
				continue
			}
			scaled := math.Floor(float64(largest) * tier.Multiplier * windows)
			if scaled > float64(maxSamples) {
				errs = append(errs, FieldError{
					Field: prefix,
					Message: fmt.Sprintf("threshold %d scales to %.0f in tier %q, exceeding tracker.max_samples (%d)",
						largest, scaled, name, maxSamples),
				})
			}
		}
	}

	return errs
}

func windowAppliesTo(w TimeWindowConfig, lt string) bool {
	if len(w.LimitTypes) == 0 {
		return true
	}
	for _, t := range w.LimitTypes {
		if t == lt {
			return true
		}
	}
	return false
}

func validateLimitType(prefix string, lt string) []FieldError {
	for _, known := range LimitTypes {
		if lt == known {
			return nil
		}
	}
	return []FieldError{{
		Field:   prefix,
		Message: fmt.Sprintf("unknown limit type %q: must be one of %s", lt, strings.Join(LimitTypes, ", ")),
	}}
}

func validateTimeWindow(prefix string, w TimeWindowConfig) []FieldError {
	var errs []FieldError

	start, startErr := ParseClock(w.StartTime)
	if startErr != nil {
		errs = append(errs, FieldError{Field: prefix + ".start_time", Message: startErr.Error()})
	}
	end, endErr := ParseClock(w.EndTime)
	if endErr != nil {
		errs = append(errs, FieldError{Field: prefix + ".end_time", Message: endErr.Error()})
	}
	if startErr == nil && endErr == nil && start == end {
		errs = append(errs, FieldError{
			Field:   prefix + ".end_time",
			Message: fmt.Sprintf("end time %s equals start time: the window would be empty or cover the whole day", w.EndTime),
		})
	}
	for _, d := range w.DaysOfWeek {
		if d < 0 || d > 6 {
			errs = append(errs, FieldError{
				Field:   prefix + ".days_of_week",
				Message: fmt.Sprintf("invalid day %d: must be between 0 (Sunday) and 6 (Saturday)", d),
			})
		}
	}
	if w.Multiplier <= 0 {
		errs = append(errs, FieldError{Field: prefix + ".multiplier", Message: "must be positive"})
	}
	for _, lt := range w.LimitTypes {
		errs = append(errs, validateLimitType(prefix+".limit_types", lt)...)
	}

	return errs
}

// ValidateCondition validates a bypass condition.
func ValidateCondition(cond ConditionConfig) error {
	switch cond.Type {
	case "user_prefix":
		if cond.Value == "" {
			return fmt.Errorf("user_prefix requires a value")
		}
	case "ip_prefix":
		if _, err := ParseIPPrefix(cond.Value); err != nil {
			return err
		}
	case "admin":
	default:
		return fmt.Errorf("unknown condition type %q: must be 'user_prefix', 'ip_prefix' or 'admin'", cond.Type)
	}
	return nil
}

func validateDistributed(cfg *DistributedConfig) []FieldError {
	var errs []FieldError

	if !cfg.Enabled {
		return nil
	}

	if cfg.RedisURL == "" {
		errs = append(errs, FieldError{
			Field:   "distributed.redis_url",
			Message: "redis url is required when distributed counting is enabled",
		})
	} else if u, err := url.Parse(cfg.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		errs = append(errs, FieldError{
			Field:   "distributed.redis_url",
			Message: fmt.Sprintf("invalid redis url %q: must use the redis:// or rediss:// scheme", cfg.RedisURL),
		})
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, FieldError{Field: "distributed.timeout", Message: "must be positive"})
	}
	if cfg.Window <= 0 {
		errs = append(errs, FieldError{Field: "distributed.window", Message: "must be positive"})
	}
	if cfg.KeyTTL < cfg.Window {
		errs = append(errs, FieldError{Field: "distributed.key_ttl", Message: "must be at least the window"})
	}
	if cfg.LocalMaxKeys <= 0 {
		errs = append(errs, FieldError{Field: "distributed.local_max_keys", Message: "must be positive"})
	}

	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "none":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.path",
				Message: "path is required for the sqlite backend",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'none' or 'sqlite'", cfg.Backend),
		})
	}

	if cfg.SnapshotInterval <= 0 {
		errs = append(errs, FieldError{Field: "storage.snapshot_interval", Message: "must be positive"})
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if cfg.Logging.Level == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: "logging level is required",
		})
	} else if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if cfg.Logging.Format == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: "logging format is required",
		})
	} else if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled {
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.path",
				Message: "metrics path must start with '/'",
			})
		}
	}
	if cfg.Metrics.FlushInterval <= 0 {
		errs = append(errs, FieldError{Field: "telemetry.metrics.flush_interval", Message: "must be positive"})
	}
	if cfg.Metrics.BufferSize <= 0 {
		errs = append(errs, FieldError{Field: "telemetry.metrics.buffer_size", Message: "must be positive"})
	}

	return errs
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: "listen address is required"})
	} else if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: fmt.Sprintf("invalid listen address %q: %v", cfg.ListenAddress, err),
		})
	}

	timeouts := []struct {
		field string
		value time.Duration
	}{
		{"server.read_timeout", cfg.ReadTimeout},
		{"server.write_timeout", cfg.WriteTimeout},
		{"server.idle_timeout", cfg.IdleTimeout},
		{"server.shutdown_timeout", cfg.ShutdownTimeout},
	}
	for _, to := range timeouts {
		if to.value <= 0 {
			errs = append(errs, FieldError{Field: to.field, Message: "must be positive"})
		}
	}

	return errs
}

// ParseClock parses an "HH:MM" time of day into minutes since midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// ParseIPPrefix parses a CIDR ("10.0.0.0/8") or a single address, which is
// treated as a full-length prefix.
func ParseIPPrefix(s string) (netip.Prefix, error) {
	if s == "" {
		return netip.Prefix{}, fmt.Errorf("ip_prefix requires a value")
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
