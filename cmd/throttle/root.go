package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/throttle/pkg/cli"
	"mercator-hq/throttle/pkg/config"
	"mercator-hq/throttle/pkg/telemetry/logging"
)

// globalFlags holds the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "throttle",
		Short: "Throttle - request rate limiting and tracking",
		Long: `Throttle decides whether inbound requests may proceed based on per-IP,
per-user and per-tool sliding-window counters.

It provides:
  - Tiered limits with time-of-day windows, overrides and bypass rules
  - Penalties and manual blocks for abusive keys
  - An optional Redis-backed cross-instance vote
  - Prometheus metrics, health endpoints and an admin API`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "config.yaml", "config file path")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "verbose output (debug logging)")

	root.AddCommand(
		newRunCmd(g),
		newValidateCmd(g),
		newSimulateCmd(g),
		newResolveCmd(g),
		newVersionCmd(),
		newCompletionCmd(root),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitCode(err)
	}
	return cli.ExitOK
}

// loadConfig loads the configuration file with environment overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, cli.NewConfigError(path, err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the telemetry section.
func newLogger(cfg *config.Config, g *globalFlags, w io.Writer) (*slog.Logger, error) {
	lc := logging.FromConfig(cfg.Telemetry.Logging, w)
	if g.verbose {
		lc.Level = "debug"
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, cli.NewConfigError(g.configPath, err)
	}
	return logger, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
