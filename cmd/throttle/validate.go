package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mercator-hq/throttle/pkg/cli"
	"mercator-hq/throttle/pkg/config"
	"mercator-hq/throttle/pkg/limits/policy"
)

type validateOptions struct {
	format string
}

func newValidateCmd(g *globalFlags) *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Load, default and validate a configuration file, then print the
effective per-tier rules.

Every validation error is reported with its field path. The command exits
with status 2 when the file is invalid.

Examples:
  # Validate the default config file
  throttle validate

  # Print the effective rules as CSV
  throttle validate --config config.yaml --format csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd, g, opts)
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "text", "output format: text, json, csv")
	return cmd
}

func validateConfig(cmd *cobra.Command, g *globalFlags, opts *validateOptions) error {
	formatter, err := cli.NewFormatter(cli.OutputFormat(opts.format))
	if err != nil {
		return err
	}

	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	snap, err := policy.FromConfig(&cfg.Limits)
	if err != nil {
		return cli.NewConfigError(g.configPath, err)
	}

	return formatter.FormatTo(cmd.OutOrStdout(), summarize(g.configPath, cfg, snap))
}

// configSummary describes a validated configuration.
type configSummary struct {
	Path          string        `json:"path"`
	PolicyVersion string        `json:"policy_version"`
	DefaultTier   string        `json:"default_tier"`
	Timezone      string        `json:"timezone"`
	Enforcement   string        `json:"enforcement"`
	BurstMode     string        `json:"burst_mode"`
	Rules         []ruleSummary `json:"rules"`
	TimeWindows   []string      `json:"time_windows,omitempty"`
	Overrides     int           `json:"overrides"`
	UserTiers     int           `json:"user_tiers"`
	BypassRules   int           `json:"bypass_rules"`
	Distributed   bool          `json:"distributed"`
	Storage       string        `json:"storage"`
	ListenAddress string        `json:"listen_address"`
}

// ruleSummary is the effective rule of one tier and limit type, before time
// windows.
type ruleSummary struct {
	Tier      string `json:"tier"`
	LimitType string `json:"limit_type"`
	PerMinute int    `json:"requests_per_minute"`
	PerHour   int    `json:"requests_per_hour"`
	PerDay    int    `json:"requests_per_day,omitempty"`
	Burst     int    `json:"burst_allowance,omitempty"`
}

func summarize(path string, cfg *config.Config, snap *policy.Snapshot) configSummary {
	sum := configSummary{
		Path:          path,
		PolicyVersion: snap.Version,
		DefaultTier:   snap.DefaultTier,
		Timezone:      cfg.Limits.Timezone,
		Enforcement:   cfg.Tracker.Enforcement.Action,
		BurstMode:     cfg.Tracker.BurstMode,
		UserTiers:     len(snap.UserTiers),
		BypassRules:   len(snap.Bypass),
		Distributed:   cfg.Distributed.Enabled,
		Storage:       cfg.Storage.Backend,
		ListenAddress: cfg.Server.ListenAddress,
	}

	for _, rules := range snap.Overrides {
		sum.Overrides += len(rules)
	}
	for _, w := range snap.TimeWindows {
		state := "inactive"
		if w.Active {
			state = "x" + strconv.FormatFloat(w.Multiplier, 'g', -1, 64)
		}
		sum.TimeWindows = append(sum.TimeWindows, w.Name+" ("+state+")")
	}

	tiers := make([]string, 0, len(snap.Tiers))
	for name := range snap.Tiers {
		tiers = append(tiers, name)
	}
	sort.Strings(tiers)

	for _, name := range tiers {
		tier := snap.Tiers[name]
		for _, lt := range config.LimitTypes {
			rule := effectiveRule(snap, tier, policy.LimitType(lt))
			sum.Rules = append(sum.Rules, ruleSummary{
				Tier:      name,
				LimitType: lt,
				PerMinute: rule.RequestsPerMinute,
				PerHour:   rule.RequestsPerHour,
				PerDay:    rule.RequestsPerDay,
				Burst:     rule.BurstAllowance,
			})
		}
	}
	return sum
}

func effectiveRule(snap *policy.Snapshot, tier policy.Tier, lt policy.LimitType) policy.LimitRule {
	if rule, ok := tier.Rules[lt]; ok {
		return rule.Scale(tier.Multiplier)
	}
	rule, ok := snap.Limits[lt]
	if !ok {
		rule = policy.DefaultRule
	}
	return rule.Scale(tier.Multiplier)
}

func (s configSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ Configuration valid: %s\n\n", s.Path)
	fmt.Fprintf(&b, "Policy version: %s\n", shortVersion(s.PolicyVersion))
	fmt.Fprintf(&b, "Default tier:   %s\n", s.DefaultTier)
	fmt.Fprintf(&b, "Timezone:       %s\n", s.Timezone)
	fmt.Fprintf(&b, "Enforcement:    %s (burst mode %s)\n", s.Enforcement, s.BurstMode)
	fmt.Fprintf(&b, "Distributed:    %t\n", s.Distributed)
	fmt.Fprintf(&b, "Storage:        %s\n", s.Storage)
	fmt.Fprintf(&b, "Listen address: %s\n\n", s.ListenAddress)

	fmt.Fprintf(&b, "%-12s %-6s %10s %10s %10s %6s\n", "TIER", "TYPE", "PER_MIN", "PER_HOUR", "PER_DAY", "BURST")
	for _, r := range s.Rules {
		day := "-"
		if r.PerDay > 0 {
			day = strconv.Itoa(r.PerDay)
		}
		fmt.Fprintf(&b, "%-12s %-6s %10d %10d %10s %6d\n", r.Tier, r.LimitType, r.PerMinute, r.PerHour, day, r.Burst)
	}

	if len(s.TimeWindows) > 0 {
		fmt.Fprintf(&b, "\nTime windows: %s\n", strings.Join(s.TimeWindows, ", "))
	}
	fmt.Fprintf(&b, "\nOverrides: %d, user tiers: %d, bypass rules: %d\n", s.Overrides, s.UserTiers, s.BypassRules)
	return b.String()
}

func (s configSummary) Header() []string {
	return []string{"tier", "limit_type", "requests_per_minute", "requests_per_hour", "requests_per_day", "burst_allowance"}
}

func (s configSummary) Rows() [][]string {
	rows := make([][]string, 0, len(s.Rules))
	for _, r := range s.Rules {
		rows = append(rows, []string{
			r.Tier,
			r.LimitType,
			strconv.Itoa(r.PerMinute),
			strconv.Itoa(r.PerHour),
			strconv.Itoa(r.PerDay),
			strconv.Itoa(r.Burst),
		})
	}
	return rows
}
