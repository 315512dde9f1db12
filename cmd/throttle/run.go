package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/throttle/pkg/cli"
	"mercator-hq/throttle/pkg/config"
	"mercator-hq/throttle/pkg/limits"
	"mercator-hq/throttle/pkg/server"
	"mercator-hq/throttle/pkg/telemetry/health"
	"mercator-hq/throttle/pkg/telemetry/metrics"
)

// healthCheckTimeout bounds each readiness check.
const healthCheckTimeout = 2 * time.Second

type runOptions struct {
	listenAddress string
	logLevel      string
	dryRun        bool
	noWatch       bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Throttle server",
		Long: `Start the Throttle server with the specified configuration.

The server answers decisions on /v1/track and /v1/authorize, serves health
and metrics endpoints and, when enabled, the admin API. The limits section
of the configuration file is reloaded when the file changes.

Examples:
  # Start with default config
  throttle run

  # Start with custom config
  throttle run --config /etc/throttle/config.yaml

  # Override listen address
  throttle run --listen 0.0.0.0:8080

  # Validate config without starting server
  throttle run --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, g, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.listenAddress, "listen", "l", "", "override listen address")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "validate config without starting server")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func runServer(cmd *cobra.Command, g *globalFlags, opts *runOptions) error {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}

	if opts.listenAddress != "" {
		cfg.Server.ListenAddress = opts.listenAddress
	}
	if opts.logLevel != "" {
		cfg.Telemetry.Logging.Level = opts.logLevel
	}

	logger, err := newLogger(cfg, g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	out := cmd.OutOrStdout()
	if opts.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}

	printBanner(out, cfg, g.configPath)

	reg := metrics.NewRegistry()
	tracker, err := limits.FromConfig(cfg, limits.Options{Registerer: reg, Logger: logger})
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer tracker.Close()
	fmt.Fprintf(out, "✓ Tracker ready (policy %s)\n", shortVersion(tracker.Version()))

	checker := health.New(healthCheckTimeout)
	checker.RegisterCheck("policy", func(context.Context) error {
		if tracker.Version() == "" {
			return errors.New("no policy loaded")
		}
		return nil
	})
	if cfg.Distributed.Enabled {
		checker.RegisterOptionalCheck("distributed", tracker.PingDistributed)
	}

	srv, err := server.New(server.Options{
		Config:   cfg.Server,
		Metrics:  cfg.Telemetry.Metrics,
		Tracker:  tracker,
		Checker:  checker,
		Registry: reg,
		Version:  health.NewVersionInfo(Version, GitCommit, BuildDate),
		Logger:   logger,
	})
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	ctx, stop := cli.SetupSignalHandler(commandContext(cmd))
	defer stop()

	if !opts.noWatch {
		loader := config.NewLoader(g.configPath, logger)
		if _, err := loader.Load(); err != nil {
			return cli.NewConfigError(g.configPath, err)
		}
		loader.Subscribe(tracker.ApplyConfig)
		defer loader.Close()

		go func() {
			if err := loader.Watch(ctx); err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	fmt.Fprintf(out, "✓ Listening on %s\n", cfg.Server.ListenAddress)
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}

	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

func printBanner(w io.Writer, cfg *config.Config, path string) {
	fmt.Fprintf(w, "Throttle v%s\n", Version)
	fmt.Fprintf(w, "Loading configuration from: %s\n", path)
	fmt.Fprintln(w, "✓ Configuration loaded")

	if cfg.Distributed.Enabled {
		slog.Debug("distributed counter enabled", "key_prefix", cfg.Distributed.KeyPrefix)
	}
	if cfg.Storage.Backend != "none" {
		slog.Debug("counter snapshots enabled", "backend", cfg.Storage.Backend, "path", cfg.Storage.SQLite.Path)
	}
	if cfg.Tracker.Enforcement.Action == "alert" {
		slog.Warn("enforcement runs in alert mode, limits are not enforced")
	}
}

func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}
