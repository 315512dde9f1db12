package config

import "time"

// Default values for configuration fields.
const (
	// Tracker defaults
	DefaultMaxKeys           = 100000
	DefaultKeyTTL            = time.Hour
	DefaultSweepInterval     = 5 * time.Minute
	DefaultRetention         = 24 * time.Hour
	DefaultMaxSamples        = 65536
	DefaultMaxClockSkew      = 5 * time.Second
	DefaultBurstMode         = "additive"
	DefaultToolScope         = "global"
	DefaultEnforcementAction = "block"

	// Policy defaults
	DefaultTier              = "bronze"
	DefaultTimezone          = "UTC"
	DefaultRequestsPerMinute = 100
	DefaultRequestsPerHour   = 6000
	DefaultTierMultiplier    = 1.0
	DefaultRuleWeight        = 1.0

	// Distributed defaults
	DefaultDistributedTimeout         = 100 * time.Millisecond
	DefaultDistributedKeyPrefix       = "throttle:"
	DefaultDistributedWindow          = time.Minute
	DefaultDistributedKeyTTL          = 2 * time.Minute
	DefaultDistributedFailureCooldown = time.Second
	DefaultDistributedLocalMaxKeys    = 10000

	// Storage defaults
	DefaultStorageBackend    = "none"
	DefaultSQLitePath        = "data/counters.db"
	DefaultSQLiteBusyTimeout = 5 * time.Second
	DefaultSnapshotInterval  = 5 * time.Minute

	// Server defaults
	DefaultServerListenAddress   = "127.0.0.1:8080"
	DefaultServerReadTimeout     = 5 * time.Second
	DefaultServerWriteTimeout    = 10 * time.Second
	DefaultServerIdleTimeout     = 60 * time.Second
	DefaultServerShutdownTimeout = 15 * time.Second

	// Telemetry defaults
	DefaultLoggingLevel         = "info"
	DefaultLoggingFormat        = "json"
	DefaultPrometheusPath       = "/metrics"
	DefaultMetricsNamespace     = "throttle"
	DefaultMetricsFlushInterval = time.Minute
	DefaultMetricsBufferSize    = 4096
)

// LimitTypes lists the limit types known to the policy document.
var LimitTypes = []string{"ip", "user", "tool"}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	applyTrackerDefaults(&cfg.Tracker)
	applyLimitsDefaults(&cfg.Limits)

	// Distributed defaults
	if cfg.Distributed.Timeout == 0 {
		cfg.Distributed.Timeout = DefaultDistributedTimeout
	}
	if cfg.Distributed.KeyPrefix == "" {
		cfg.Distributed.KeyPrefix = DefaultDistributedKeyPrefix
	}
	if cfg.Distributed.Window == 0 {
		cfg.Distributed.Window = DefaultDistributedWindow
	}
	if cfg.Distributed.KeyTTL == 0 {
		cfg.Distributed.KeyTTL = DefaultDistributedKeyTTL
	}
	if cfg.Distributed.FailureCooldown == 0 {
		cfg.Distributed.FailureCooldown = DefaultDistributedFailureCooldown
	}
	if cfg.Distributed.LocalMaxKeys == 0 {
		cfg.Distributed.LocalMaxKeys = DefaultDistributedLocalMaxKeys
	}

	// Storage defaults
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = DefaultSQLitePath
	}
	if cfg.Storage.SQLite.BusyTimeout == 0 {
		cfg.Storage.SQLite.BusyTimeout = DefaultSQLiteBusyTimeout
	}
	if cfg.Storage.SnapshotInterval == 0 {
		cfg.Storage.SnapshotInterval = DefaultSnapshotInterval
	}

	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultServerListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultServerIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultServerShutdownTimeout
	}

	// Telemetry defaults
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultPrometheusPath
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Telemetry.Metrics.FlushInterval == 0 {
		cfg.Telemetry.Metrics.FlushInterval = DefaultMetricsFlushInterval
	}
	if cfg.Telemetry.Metrics.BufferSize == 0 {
		cfg.Telemetry.Metrics.BufferSize = DefaultMetricsBufferSize
	}
}

func applyTrackerDefaults(cfg *TrackerConfig) {
	if cfg.MaxKeys == 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.KeyTTL == 0 {
		cfg.KeyTTL = DefaultKeyTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxSamples == 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.MaxClockSkew == 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.BurstMode == "" {
		cfg.BurstMode = DefaultBurstMode
	}
	if cfg.ToolScope == "" {
		cfg.ToolScope = DefaultToolScope
	}
	if cfg.Enforcement.Action == "" {
		cfg.Enforcement.Action = DefaultEnforcementAction
	}
}

// applyLimitsDefaults fills the policy document so that every limit type has
// a base rule and the default tier exists.
func applyLimitsDefaults(cfg *LimitsConfig) {
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = DefaultTier
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}

	if cfg.Rules == nil {
		cfg.Rules = make(map[string]LimitRuleConfig)
	}
	for _, lt := range LimitTypes {
		if _, ok := cfg.Rules[lt]; !ok {
			cfg.Rules[lt] = LimitRuleConfig{
				RequestsPerMinute: DefaultRequestsPerMinute,
				RequestsPerHour:   DefaultRequestsPerHour,
			}
		}
	}
	for lt, rule := range cfg.Rules {
		cfg.Rules[lt] = ApplyRuleDefaults(rule)
	}

	if cfg.Tiers == nil {
		cfg.Tiers = make(map[string]TierConfig)
	}
	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		cfg.Tiers[cfg.DefaultTier] = TierConfig{Multiplier: DefaultTierMultiplier}
	}
	for name, tier := range cfg.Tiers {
		if tier.Multiplier == 0 {
			tier.Multiplier = DefaultTierMultiplier
		}
		for lt, rule := range tier.Rules {
			tier.Rules[lt] = ApplyRuleDefaults(rule)
		}
		cfg.Tiers[name] = tier
	}

	for target, rules := range cfg.Overrides {
		for lt, rule := range rules {
			rules[lt] = ApplyRuleDefaults(rule)
		}
		cfg.Overrides[target] = rules
	}
}

// ApplyRuleDefaults derives the hourly threshold from the minute threshold
// and defaults the weight to 1.
func ApplyRuleDefaults(rule LimitRuleConfig) LimitRuleConfig {
	if rule.RequestsPerHour == 0 && rule.RequestsPerMinute > 0 {
		rule.RequestsPerHour = rule.RequestsPerMinute * 60
	}
	if rule.Weight == 0 {
		rule.Weight = DefaultRuleWeight
	}
	return rule
}
