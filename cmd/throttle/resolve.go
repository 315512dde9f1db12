package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/throttle/pkg/cli"
	"mercator-hq/throttle/pkg/limits"
	"mercator-hq/throttle/pkg/limits/policy"
)

type resolveOptions struct {
	dimension string
	ip        string
	user      string
	tool      string
	tier      string
	at        string
	format    string
}

func newResolveCmd(g *globalFlags) *cobra.Command {
	opts := &resolveOptions{}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the rule a request would be evaluated against",
		Long: `Resolve the effective rule of one dimension for a request, applying
bypass conditions, overrides, the tier and active time windows.

Examples:
  # Rule of a gold user
  throttle resolve --dimension user --user alice --tier gold

  # Rule of an address during the night window
  throttle resolve --dimension ip --ip 10.0.0.1 --at 2025-01-06T23:30:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveRule(cmd, g, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.dimension, "dimension", "d", "ip", "dimension: ip, user, tool")
	cmd.Flags().StringVar(&opts.ip, "ip", "", "client address")
	cmd.Flags().StringVar(&opts.user, "user", "", "user id")
	cmd.Flags().StringVar(&opts.tool, "tool", "", "tool name")
	cmd.Flags().StringVar(&opts.tier, "tier", "", "tenant tier claimed by the request")
	cmd.Flags().StringVar(&opts.at, "at", "", "evaluation time (RFC3339, default now)")
	cmd.Flags().StringVar(&opts.format, "format", "text", "output format: text, json")
	return cmd
}

func resolveRule(cmd *cobra.Command, g *globalFlags, opts *resolveOptions) error {
	formatter, err := cli.NewFormatter(cli.OutputFormat(opts.format))
	if err != nil {
		return err
	}

	var at time.Time
	if opts.at != "" {
		if at, err = time.Parse(time.RFC3339, opts.at); err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
	}

	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	snap, err := policy.FromConfig(&cfg.Limits)
	if err != nil {
		return cli.NewConfigError(g.configPath, err)
	}

	tracker, err := limits.NewTracker(limits.Config{
		SweepInterval: -1,
		Policy:        snap,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return cli.NewCommandError("resolve", err)
	}
	defer tracker.Close()

	dim := limits.Dimension(opts.dimension)
	res, err := tracker.Resolve(dim, limits.RequestDescriptor{
		Timestamp:  at,
		IP:         opts.ip,
		UserID:     opts.user,
		ToolName:   opts.tool,
		TenantTier: opts.tier,
	})
	if err != nil {
		return err
	}

	return formatter.FormatTo(cmd.OutOrStdout(), resolved{Dimension: dim, Resolution: res})
}

type resolved struct {
	Dimension limits.Dimension `json:"dimension"`
	policy.Resolution
}

func (r resolved) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dimension:  %s\n", r.Dimension)
	fmt.Fprintf(&b, "Tier:       %s\n", r.Tier)
	fmt.Fprintf(&b, "Source:     %s\n", r.Source)
	if len(r.Windows) > 0 {
		fmt.Fprintf(&b, "Windows:    %s\n", strings.Join(r.Windows, ", "))
	}
	fmt.Fprintf(&b, "Per minute: %d (+%d burst)\n", r.Rule.RequestsPerMinute, r.Rule.BurstAllowance)
	fmt.Fprintf(&b, "Per hour:   %d\n", r.Rule.RequestsPerHour)
	if r.Rule.RequestsPerDay > 0 {
		fmt.Fprintf(&b, "Per day:    %d\n", r.Rule.RequestsPerDay)
	}
	if r.Rule.PenaltyDuration > 0 {
		fmt.Fprintf(&b, "Penalty:    %s\n", r.Rule.PenaltyDuration)
	}
	return b.String()
}
