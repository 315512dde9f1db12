package limits

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/throttle/pkg/config"
	"mercator-hq/throttle/pkg/limits/distributed"
	"mercator-hq/throttle/pkg/limits/enforcement"
	"mercator-hq/throttle/pkg/limits/metrics"
	"mercator-hq/throttle/pkg/limits/policy"
	"mercator-hq/throttle/pkg/limits/ratelimit"
	"mercator-hq/throttle/pkg/limits/storage"
)

// Options carries process-level dependencies for FromConfig.
type Options struct {
	// Registerer receives the metrics collectors. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer

	// Exporter receives periodic metrics snapshots.
	// Default: metrics.LogExporter on Logger
	Exporter metrics.Exporter

	Logger *slog.Logger

	// Clock overrides the tracker clock.
	// Default: time.Now
	Clock func() time.Time
}

// FromConfig builds a tracker and every dependency cfg enables: the metrics
// sink, the Redis counter and the SQLite snapshot backend. The tracker owns
// them and releases them on Close.
//
// cfg must already have defaults applied and be validated, as returned by
// config.LoadConfig.
func FromConfig(cfg *config.Config, opts Options) (*Tracker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	snap, err := policy.FromConfig(&cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	var closers []io.Closer
	fail := func(err error) (*Tracker, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
		return nil, err
	}

	exporter := opts.Exporter
	if exporter == nil {
		exporter = metrics.LogExporter{Logger: logger}
	}
	sink, err := metrics.NewSink(metrics.Config{
		BufferSize:    cfg.Telemetry.Metrics.BufferSize,
		FlushInterval: cfg.Telemetry.Metrics.FlushInterval,
		Namespace:     cfg.Telemetry.Metrics.Namespace,
		Registerer:    opts.Registerer,
		Exporter:      exporter,
		Logger:        logger,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to create metrics sink: %w", err))
	}
	closers = append(closers, sink)

	var counter Counter
	if cfg.Distributed.Enabled {
		rc, err := distributed.New(distributed.Config{
			URL:             cfg.Distributed.RedisURL,
			Timeout:         cfg.Distributed.Timeout,
			KeyPrefix:       cfg.Distributed.KeyPrefix,
			Window:          cfg.Distributed.Window,
			KeyTTL:          cfg.Distributed.KeyTTL,
			FailureCooldown: cfg.Distributed.FailureCooldown,
			LocalMaxKeys:    cfg.Distributed.LocalMaxKeys,
			Logger:          logger,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to create distributed counter: %w", err))
		}
		closers = append(closers, rc)
		counter = rc
	}

	var backend storage.Backend
	if cfg.Storage.Backend == "sqlite" {
		if dir := filepath.Dir(cfg.Storage.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fail(fmt.Errorf("failed to create snapshot directory: %w", err))
			}
		}
		sb, err := storage.NewSQLiteBackendWithConfig(storage.SQLiteBackendConfig{
			DBPath:      cfg.Storage.SQLite.Path,
			BusyTimeout: cfg.Storage.SQLite.BusyTimeout,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to open snapshot backend: %w", err))
		}
		closers = append(closers, sb)
		backend = sb
	}

	tracker, err := NewTracker(Config{
		MaxKeys:           cfg.Tracker.MaxKeys,
		KeyTTL:            cfg.Tracker.KeyTTL,
		SweepInterval:     cfg.Tracker.SweepInterval,
		Retention:         cfg.Tracker.Retention,
		MaxSamples:        cfg.Tracker.MaxSamples,
		MaxClockSkew:      cfg.Tracker.MaxClockSkew,
		BurstMode:         ratelimit.BurstMode(cfg.Tracker.BurstMode),
		ToolScope:         ToolScope(cfg.Tracker.ToolScope),
		Action:            enforcement.Action(cfg.Tracker.Enforcement.Action),
		DistributedWindow: cfg.Distributed.Window,
		DistributedKeyTTL: cfg.Distributed.KeyTTL,
		SnapshotInterval:  cfg.Storage.SnapshotInterval,
		Policy:            snap,
		Counter:           counter,
		Sink:              sink,
		Backend:           backend,
		Logger:            logger,
		Clock:             opts.Clock,
	})
	if err != nil {
		return fail(err)
	}
	tracker.closers = closers

	if backend != nil && cfg.Storage.RestoreOnStart {
		if _, err := tracker.RestoreCounters(context.Background()); err != nil {
			logger.Warn("counter restore failed, starting cold", "error", err)
		}
	}

	return tracker, nil
}
