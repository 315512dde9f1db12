// Package config provides configuration management for Throttle.
//
// This package handles loading, validating and reloading configuration from
// YAML files with environment variable overrides. It holds both the runtime
// settings of the tracker and the limit policy document that the policy
// resolver compiles into snapshots.
//
// # Configuration Loading
//
// Configuration can be loaded in three ways:
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("throttle.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("throttle.yaml")
//
//  3. Through a Loader that keeps the current configuration and reloads it
//     when the file changes:
//     loader := config.NewLoader("throttle.yaml", logger)
//     cfg, err := loader.Load()
//     loader.Subscribe(func(cfg *config.Config) { ... })
//     go loader.Watch(ctx)
//
// There is no package-level configuration. Callers pass *Config (or the
// Loader) to the components that need it.
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention THROTTLE_SECTION_FIELD.
// For example:
//
//   - THROTTLE_TRACKER_MAX_KEYS overrides tracker.max_keys
//   - THROTTLE_DISTRIBUTED_REDIS_URL overrides distributed.redis_url
//   - THROTTLE_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// Values that fail to parse are ignored.
//
// # Configuration Precedence
//
// Configuration values are applied in the following order (later overrides earlier):
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Validation
//
// Validation collects every problem before failing:
//
//	configuration validation failed with 2 errors:
//	  - limits.rules.user.requests_per_minute: must be positive
//	  - limits.default_tier: default tier "platinum" is not defined in limits.tiers
//
// A reload that fails validation leaves the current configuration in place.
//
// # Example Configuration
//
//	tracker:
//	  max_keys: 100000
//	  burst_mode: additive
//
//	limits:
//	  default_tier: bronze
//	  rules:
//	    user:
//	      requests_per_minute: 60
//	      burst_allowance: 5
//	  tiers:
//	    bronze: {multiplier: 1.0}
//	    gold:   {multiplier: 3.0, priority: 10}
//	  bypass:
//	    admins: ["ops@example.com"]
//	    conditions:
//	      - {type: ip_prefix, value: "10.0.0.0/8"}
//
//	telemetry:
//	  logging:
//	    level: "info"
//	    format: "json"
package config
