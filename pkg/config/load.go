package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration file %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention THROTTLE_SECTION_FIELD (e.g., THROTTLE_DISTRIBUTED_REDIS_URL).
// Environment variables always take precedence over file-based configuration.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables use the format THROTTLE_SECTION_FIELD.
func applyEnvOverrides(cfg *Config) {
	// Tracker overrides
	envInt("THROTTLE_TRACKER_MAX_KEYS", &cfg.Tracker.MaxKeys)
	envDuration("THROTTLE_TRACKER_KEY_TTL", &cfg.Tracker.KeyTTL)
	envDuration("THROTTLE_TRACKER_SWEEP_INTERVAL", &cfg.Tracker.SweepInterval)
	envInt("THROTTLE_TRACKER_MAX_SAMPLES", &cfg.Tracker.MaxSamples)
	envDuration("THROTTLE_TRACKER_MAX_CLOCK_SKEW", &cfg.Tracker.MaxClockSkew)
	envString("THROTTLE_TRACKER_BURST_MODE", &cfg.Tracker.BurstMode)
	envString("THROTTLE_TRACKER_TOOL_SCOPE", &cfg.Tracker.ToolScope)
	envString("THROTTLE_TRACKER_ENFORCEMENT_ACTION", &cfg.Tracker.Enforcement.Action)

	// Limits overrides
	envString("THROTTLE_LIMITS_DEFAULT_TIER", &cfg.Limits.DefaultTier)
	envString("THROTTLE_LIMITS_TIMEZONE", &cfg.Limits.Timezone)

	// Distributed overrides
	envBool("THROTTLE_DISTRIBUTED_ENABLED", &cfg.Distributed.Enabled)
	envString("THROTTLE_DISTRIBUTED_REDIS_URL", &cfg.Distributed.RedisURL)
	envDuration("THROTTLE_DISTRIBUTED_TIMEOUT", &cfg.Distributed.Timeout)
	envString("THROTTLE_DISTRIBUTED_KEY_PREFIX", &cfg.Distributed.KeyPrefix)

	// Storage overrides
	envString("THROTTLE_STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("THROTTLE_STORAGE_SQLITE_PATH", &cfg.Storage.SQLite.Path)
	envDuration("THROTTLE_STORAGE_SNAPSHOT_INTERVAL", &cfg.Storage.SnapshotInterval)
	envBool("THROTTLE_STORAGE_RESTORE_ON_START", &cfg.Storage.RestoreOnStart)

	// Server overrides
	envString("THROTTLE_SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envBool("THROTTLE_SERVER_ADMIN_ENABLED", &cfg.Server.AdminEnabled)

	// Telemetry overrides
	envString("THROTTLE_TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("THROTTLE_TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("THROTTLE_TELEMETRY_LOGGING_REDACT_PII", &cfg.Telemetry.Logging.RedactPII)
	envBool("THROTTLE_TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("THROTTLE_TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
