package config

import "time"

// Config is the root configuration structure for Throttle.
// It contains the tracker runtime settings, the limit policy document, the
// optional distributed counter, snapshot storage, the ops HTTP server and
// telemetry.
type Config struct {
	// Tracker contains runtime settings of the request tracker: key store
	// sizing, counter retention, burst mode and enforcement action.
	Tracker TrackerConfig `yaml:"tracker"`

	// Limits is the limit policy document: base rules per limit type, tiers,
	// time windows, overrides, user tier assignments and bypass conditions.
	Limits LimitsConfig `yaml:"limits"`

	// Distributed configures the shared counter used to enforce limits
	// across instances.
	Distributed DistributedConfig `yaml:"distributed"`

	// Storage configures counter snapshots across restarts.
	Storage StorageConfig `yaml:"storage"`

	// Server configures the HTTP server started by "throttle run": health,
	// metrics, the decision endpoint and the admin API.
	Server ServerConfig `yaml:"server"`

	// Telemetry contains configuration for logging and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TrackerConfig contains configuration for the request tracker.
type TrackerConfig struct {
	// MaxKeys is the maximum number of live keys per dimension.
	// Default: 100000
	MaxKeys int `yaml:"max_keys"`

	// KeyTTL is how long an idle key is kept before the sweep removes it.
	// Default: 1h
	KeyTTL time.Duration `yaml:"key_ttl"`

	// SweepInterval is how often idle keys and expired penalties are swept.
	// Default: 5m
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Retention is the horizon beyond which counter samples are discarded.
	// Default: 24h
	Retention time.Duration `yaml:"retention"`

	// MaxSamples bounds the number of timestamps kept per key. Counts
	// saturate at this value, so it must exceed every configured threshold.
	// Default: 65536
	MaxSamples int `yaml:"max_samples"`

	// MaxClockSkew is how far ahead of the local clock a request timestamp
	// may be. Later timestamps are replaced by the local clock.
	// Default: 5s
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`

	// BurstMode selects how burst_allowance is spent.
	// Options: "additive", "token_bucket"
	// Default: "additive"
	BurstMode string `yaml:"burst_mode"`

	// ToolScope selects how tool counters are keyed.
	// Options: "global" (one counter per tool), "caller" (per tool and caller)
	// Default: "global"
	ToolScope string `yaml:"tool_scope"`

	// Enforcement configures what happens when a limit is exceeded.
	Enforcement EnforcementConfig `yaml:"enforcement"`
}

// EnforcementConfig configures enforcement actions for limit violations.
type EnforcementConfig struct {
	// Action is the action to take when limits are exceeded.
	// Options: "block", "alert" (shadow mode: log and count, then allow)
	// Default: "block"
	Action string `yaml:"action"`
}

// LimitsConfig is the limit policy document.
type LimitsConfig struct {
	// DefaultTier is used when a request carries no tier or an unknown one.
	// Default: "bronze"
	DefaultTier string `yaml:"default_tier"`

	// Timezone is the IANA zone time windows are evaluated in.
	// Default: "UTC"
	Timezone string `yaml:"timezone"`

	// Rules maps a limit type (ip, user, tool) to its base rule.
	Rules map[string]LimitRuleConfig `yaml:"rules"`

	// Tiers maps a tier name to its multiplier and per-type rule overrides.
	Tiers map[string]TierConfig `yaml:"tiers"`

	// TimeWindows maps a window name to a time-of-day multiplier. Windows
	// that overlap compose multiplicatively in name order.
	TimeWindows map[string]TimeWindowConfig `yaml:"time_windows"`

	// Overrides maps a target (user id, IP or tool name) to per-type rules
	// that replace the resolved result.
	Overrides map[string]map[string]LimitRuleConfig `yaml:"overrides"`

	// UserTiers assigns tiers to user ids.
	UserTiers map[string]string `yaml:"user_tiers"`

	// Bypass lists identities that get a fixed high-ceiling rule.
	Bypass BypassConfig `yaml:"bypass"`
}

// LimitRuleConfig contains the thresholds of one limit type.
type LimitRuleConfig struct {
	// RequestsPerMinute is the sliding one-minute threshold.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// RequestsPerHour is the sliding one-hour threshold.
	RequestsPerHour int `yaml:"requests_per_hour"`

	// RequestsPerDay is the sliding 24-hour threshold. 0 means no daily limit.
	RequestsPerDay int `yaml:"requests_per_day"`

	// BurstAllowance is the extra per-minute headroom.
	BurstAllowance int `yaml:"burst_allowance"`

	// PenaltyDurationSeconds holds a key that exceeded a limit for this long.
	// 0 disables penalties.
	PenaltyDurationSeconds int `yaml:"penalty_duration_seconds"`

	// Weight is how many samples one request counts as (rounded, at least 1).
	// Default: 1
	Weight float64 `yaml:"weight"`
}

// TierConfig contains configuration of a subscription tier.
type TierConfig struct {
	// Multiplier scales every threshold of the tier.
	// Default: 1.0
	Multiplier float64 `yaml:"multiplier"`

	// Priority breaks ties when several tiers apply to one request; the
	// higher value wins.
	Priority int `yaml:"priority"`

	// Rules replace the base rule of a limit type for this tier. The tier
	// multiplier is applied on top.
	Rules map[string]LimitRuleConfig `yaml:"rules"`
}

// TimeWindowConfig contains a time-of-day multiplier.
type TimeWindowConfig struct {
	// StartTime is the inclusive start in HH:MM.
	StartTime string `yaml:"start_time"`

	// EndTime is the exclusive end in HH:MM. An end before the start wraps
	// past midnight.
	EndTime string `yaml:"end_time"`

	// DaysOfWeek restricts the window to weekdays (0=Sunday ... 6=Saturday).
	// Empty means every day.
	DaysOfWeek []int `yaml:"days_of_week"`

	// Multiplier scales thresholds while the window is active.
	Multiplier float64 `yaml:"multiplier"`

	// Active toggles the window without deleting it.
	// Default: true
	Active *bool `yaml:"active"`

	// LimitTypes restricts the window to some limit types. Empty means all.
	LimitTypes []string `yaml:"limit_types"`
}

// IsActive reports whether the window is enabled.
func (w TimeWindowConfig) IsActive() bool {
	return w.Active == nil || *w.Active
}

// BypassConfig lists identities that bypass normal limits.
type BypassConfig struct {
	// Admins is the admin list matched by the "admin" condition.
	Admins []string `yaml:"admins"`

	// Conditions are matched against each request; any match bypasses.
	Conditions []ConditionConfig `yaml:"conditions"`
}

// ConditionConfig is one bypass condition.
type ConditionConfig struct {
	// Type is the condition kind.
	// Options: "user_prefix", "ip_prefix", "admin"
	Type string `yaml:"type"`

	// Value is the prefix (user_prefix) or CIDR/address (ip_prefix).
	Value string `yaml:"value"`
}

// DistributedConfig configures the shared Redis counter.
type DistributedConfig struct {
	// Enabled turns on the cross-instance vote.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// RedisURL is the Redis connection URL (redis://[:password@]host:port/db).
	RedisURL string `yaml:"redis_url"`

	// Timeout bounds each counter round trip. On timeout the vote is dropped.
	// Default: 100ms
	Timeout time.Duration `yaml:"timeout"`

	// KeyPrefix namespaces counter keys in Redis.
	// Default: "throttle:"
	KeyPrefix string `yaml:"key_prefix"`

	// Window is the sliding window counted in Redis.
	// Default: 1m
	Window time.Duration `yaml:"window"`

	// KeyTTL is the expiry set on each Redis counter key.
	// Default: 2m
	KeyTTL time.Duration `yaml:"key_ttl"`

	// FailureCooldown skips Redis for this long after a failure.
	// Default: 1s
	FailureCooldown time.Duration `yaml:"failure_cooldown"`

	// LocalMaxKeys bounds the local fallback counters.
	// Default: 10000
	LocalMaxKeys int `yaml:"local_max_keys"`
}

// StorageConfig configures counter snapshots.
type StorageConfig struct {
	// Backend specifies the snapshot backend.
	// Options: "none", "sqlite"
	// Default: "none"
	Backend string `yaml:"backend"`

	// SQLite contains SQLite-specific configuration.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// SnapshotInterval is how often counters are saved.
	// Default: 5m
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// RestoreOnStart loads the last snapshot when the tracker starts.
	// Default: false
	RestoreOnStart bool `yaml:"restore_on_start"`
}

// SQLiteConfig contains SQLite storage configuration.
type SQLiteConfig struct {
	// Path is the path to the SQLite database file.
	// Default: "data/counters.db"
	Path string `yaml:"path"`

	// BusyTimeout is how long to wait for database locks.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// ListenAddress is the address the server listens on.
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading a request.
	// Default: 5s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is how long keep-alive connections stay open.
	// Default: 60s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AdminEnabled exposes the block, override and tier endpoints.
	// Default: false
	AdminEnabled bool `yaml:"admin_enabled"`

	// TrustForwardedFor takes the client address of /v1/authorize from the
	// first X-Forwarded-For entry. Enable only behind a trusted gateway.
	// Default: false
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// RedactPII masks IP addresses and e-mail shaped identifiers in logs.
	// Default: false
	RedactPII bool `yaml:"redact_pii"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Enabled serves the Prometheus and stats endpoints on the server.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "throttle"
	Namespace string `yaml:"namespace"`

	// FlushInterval is how often aggregated snapshots are exported.
	// Default: 1m
	FlushInterval time.Duration `yaml:"flush_interval"`

	// BufferSize is the capacity of the metrics event queue. Events are
	// dropped (and counted) when it is full.
	// Default: 4096
	BufferSize int `yaml:"buffer_size"`
}
