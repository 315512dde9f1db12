package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/throttle/pkg/cli"
	"mercator-hq/throttle/pkg/limits"
	"mercator-hq/throttle/pkg/limits/metrics"
)

type simulateOptions struct {
	requests int
	rate     float64
	ips      []string
	users    []string
	tools    []string
	tier     string
	start    string
	format   string
	progress bool
	shared   bool
}

func newSimulateCmd(g *globalFlags) *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay synthetic traffic against the configured limits",
		Long: `Generate synthetic requests and run them through a tracker built from the
configuration file, then report every decision and the final statistics.

Requests are spaced 1/rate seconds apart on a simulated clock, so an hour of
traffic replays instantly. IPs, users and tools are assigned round-robin.

The distributed counter and snapshot storage are disabled unless --shared is
set.

Examples:
  # 200 requests at 5 req/s from one address
  throttle simulate --requests 200 --rate 5 --ips 10.0.0.1

  # Two users of one tool, decisions as CSV
  throttle simulate --users alice,bob --tools search --format csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, g, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.requests, "requests", "n", 100, "number of requests")
	cmd.Flags().Float64Var(&opts.rate, "rate", 10, "requests per second on the simulated clock")
	cmd.Flags().StringSliceVar(&opts.ips, "ips", []string{"10.0.0.1"}, "client addresses")
	cmd.Flags().StringSliceVar(&opts.users, "users", nil, "user ids (none: anonymous)")
	cmd.Flags().StringSliceVar(&opts.tools, "tools", nil, "tool names")
	cmd.Flags().StringVar(&opts.tier, "tier", "", "tenant tier claimed by every request")
	cmd.Flags().StringVar(&opts.start, "start", "", "simulated start time (RFC3339, default now)")
	cmd.Flags().StringVar(&opts.format, "format", "text", "output format: text, json, csv")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "show a progress bar on stderr")
	cmd.Flags().BoolVar(&opts.shared, "shared", false, "keep the distributed counter and snapshot storage")
	return cmd
}

func runSimulation(cmd *cobra.Command, g *globalFlags, opts *simulateOptions) error {
	if opts.requests <= 0 {
		return errors.New("--requests must be positive")
	}
	if opts.rate <= 0 {
		return errors.New("--rate must be positive")
	}
	if len(opts.ips) == 0 {
		return errors.New("--ips must name at least one address")
	}
	formatter, err := cli.NewFormatter(cli.OutputFormat(opts.format))
	if err != nil {
		return err
	}

	start := time.Now().UTC()
	if opts.start != "" {
		if start, err = time.Parse(time.RFC3339, opts.start); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}

	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	if !opts.shared {
		cfg.Distributed.Enabled = false
		cfg.Storage.Backend = "none"
	}

	logger, err := newLogger(cfg, g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	// The tracker clock follows the simulated timeline.
	var clock atomic.Int64
	clock.Store(start.UnixNano())

	tracker, err := limits.FromConfig(cfg, limits.Options{
		Exporter: metrics.ExporterFunc(func(context.Context, metrics.Snapshot) error { return nil }),
		Logger:   logger,
		Clock:    func() time.Time { return time.Unix(0, clock.Load()).UTC() },
	})
	if err != nil {
		return cli.NewCommandError("simulate", err)
	}
	defer tracker.Close()

	var progressOut io.Writer
	if opts.progress {
		progressOut = cmd.ErrOrStderr()
	}
	progress := cli.NewProgressReporter(progressOut)
	progress.Start(int64(opts.requests))

	ctx := commandContext(cmd)
	interval := time.Duration(float64(time.Second) / opts.rate)
	result := &simulation{Rate: opts.rate, Start: start}

	for i := 0; i < opts.requests; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := limits.RequestDescriptor{
			Timestamp:  start.Add(time.Duration(i) * interval),
			IP:         pick(opts.ips, i),
			UserID:     pick(opts.users, i),
			ToolName:   pick(opts.tools, i),
			TenantTier: opts.tier,
		}
		clock.Store(d.Timestamp.UnixNano())
		result.add(d, tracker.TrackRequest(ctx, d))
		progress.Update(int64(i + 1))
	}
	progress.Finish()

	result.Stats = tracker.GetStats()
	return formatter.FormatTo(cmd.OutOrStdout(), result)
}

func pick(values []string, i int) string {
	if len(values) == 0 {
		return ""
	}
	return values[i%len(values)]
}

// simulation is the outcome of a simulate run.
type simulation struct {
	Rate      float64                  `json:"rate"`
	Start     time.Time                `json:"start"`
	Total     int                      `json:"total"`
	Allowed   int                      `json:"allowed"`
	Denied    int                      `json:"denied"`
	Shadowed  int                      `json:"shadowed"`
	DeniedBy  map[limits.Dimension]int `json:"denied_by,omitempty"`
	FirstDeny map[limits.Dimension]int `json:"first_denial,omitempty"`
	Decisions []simulatedDecision      `json:"decisions"`
	Stats     limits.Stats             `json:"stats"`
}

type simulatedDecision struct {
	Index     int             `json:"index"`
	Timestamp time.Time       `json:"timestamp"`
	IP        string          `json:"ip"`
	UserID    string          `json:"user_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Decision  limits.Decision `json:"decision"`
}

func (s *simulation) add(d limits.RequestDescriptor, dec limits.Decision) {
	idx := s.Total
	s.Total++
	switch {
	case !dec.Allowed:
		s.Denied++
		if s.DeniedBy == nil {
			s.DeniedBy = make(map[limits.Dimension]int)
			s.FirstDeny = make(map[limits.Dimension]int)
		}
		if _, seen := s.FirstDeny[dec.DeniedDimension]; !seen {
			s.FirstDeny[dec.DeniedDimension] = idx
		}
		s.DeniedBy[dec.DeniedDimension]++
	case dec.Shadowed:
		s.Allowed++
		s.Shadowed++
	default:
		s.Allowed++
	}

	dec.Checks = nil
	s.Decisions = append(s.Decisions, simulatedDecision{
		Index:     idx,
		Timestamp: d.Timestamp,
		IP:        d.IP,
		UserID:    d.UserID,
		ToolName:  d.ToolName,
		Decision:  dec,
	})
}

func (s *simulation) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Simulated %d requests at %g req/s from %s\n\n", s.Total, s.Rate, s.Start.Format(time.RFC3339))
	fmt.Fprintf(&b, "Allowed:  %d\n", s.Allowed)
	fmt.Fprintf(&b, "Denied:   %d\n", s.Denied)
	if s.Shadowed > 0 {
		fmt.Fprintf(&b, "Shadowed: %d\n", s.Shadowed)
	}

	if len(s.DeniedBy) > 0 {
		dims := make([]string, 0, len(s.DeniedBy))
		for d := range s.DeniedBy {
			dims = append(dims, string(d))
		}
		sort.Strings(dims)

		fmt.Fprintln(&b, "\nDenials by dimension:")
		for _, d := range dims {
			dim := limits.Dimension(d)
			fmt.Fprintf(&b, "  %-5s %d (first at request #%d)\n", d, s.DeniedBy[dim], s.FirstDeny[dim]+1)
		}
	}

	fmt.Fprintf(&b, "\nActive keys: %d, held keys: %d, policy %s\n",
		s.Stats.ActiveKeys, s.Stats.HeldKeys, shortVersion(s.Stats.ConfigVersion))
	return b.String()
}

func (s *simulation) Header() []string {
	return []string{"index", "timestamp", "ip", "user_id", "tool_name", "allowed", "denied_dimension", "retry_after_seconds", "tier", "reason"}
}

func (s *simulation) Rows() [][]string {
	rows := make([][]string, 0, len(s.Decisions))
	for _, d := range s.Decisions {
		rows = append(rows, []string{
			strconv.Itoa(d.Index),
			d.Timestamp.Format(time.RFC3339Nano),
			d.IP,
			d.UserID,
			d.ToolName,
			strconv.FormatBool(d.Decision.Allowed),
			string(d.Decision.DeniedDimension),
			strconv.Itoa(d.Decision.RetryAfterSeconds),
			d.Decision.Tier,
			d.Decision.Reason,
		})
	}
	return rows
}
