package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// Defaults for Config fields left zero.
const (
	DefaultBufferSize    = 4096
	DefaultFlushInterval = time.Minute
	DefaultNamespace     = "throttle"
)

// Result is the outcome of a tracked request.
type Result string

const (
	ResultAllowed Result = "allowed"
	ResultBlocked Result = "blocked"

	// ResultShadowed is a denial that was let through because enforcement
	// runs in alert mode.
	ResultShadowed Result = "shadowed"
)

// Event describes one tracked request.
type Event struct {
	// Dimensions lists the dimensions evaluated for the request.
	Dimensions []string

	// DeniedDimension is the first denying dimension, empty when allowed.
	DeniedDimension string

	Allowed  bool
	Shadowed bool
	Degraded bool
	Latency  time.Duration
}

// Result classifies the event.
func (e Event) Result() Result {
	switch {
	case e.Shadowed:
		return ResultShadowed
	case e.Allowed:
		return ResultAllowed
	default:
		return ResultBlocked
	}
}

// DimensionCounts aggregates one dimension.
type DimensionCounts struct {
	Requests int64 `json:"requests"`
	Blocked  int64 `json:"blocked"`
}

// Snapshot is the aggregate of every event processed so far.
type Snapshot struct {
	Timestamp    time.Time                  `json:"timestamp"`
	Total        int64                      `json:"total"`
	Allowed      int64                      `json:"allowed"`
	Blocked      int64                      `json:"blocked"`
	Shadowed     int64                      `json:"shadowed"`
	Degraded     int64                      `json:"degraded"`
	Dropped      int64                      `json:"dropped"`
	PerDimension map[string]DimensionCounts `json:"per_dimension"`
	MeanLatency  time.Duration              `json:"mean_latency"`
	MaxLatency   time.Duration              `json:"max_latency"`
}

// Exporter receives periodic snapshots.
type Exporter interface {
	Export(ctx context.Context, snap Snapshot) error
}

// ExporterFunc adapts a function to Exporter.
type ExporterFunc func(ctx context.Context, snap Snapshot) error

// Export calls f.
func (f ExporterFunc) Export(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// Config configures a Sink.
type Config struct {
	// BufferSize is the capacity of the event buffer.
	// Default: 4096
	BufferSize int

	// FlushInterval is how often snapshots are pushed to the exporter.
	// Default: 1m
	FlushInterval time.Duration

	// Namespace prefixes Prometheus metric names.
	// Default: "throttle"
	Namespace string

	// Registerer receives the collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Exporter receives periodic snapshots. Nil disables the schedule.
	Exporter Exporter

	Logger *slog.Logger
}

// Sink aggregates request events off the request path.
//
// Notify never blocks: events go through a buffered channel and are dropped
// (and counted) when it is full. A single worker applies events to the
// aggregate and to the Prometheus collectors.
type Sink struct {
	events     chan Event
	collectors *Collectors
	exporter   Exporter
	cron       *cron.Cron
	logger     *slog.Logger

	mu    sync.Mutex
	agg   Snapshot
	total time.Duration

	dropped atomic.Int64
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSink creates a sink and starts its worker and flush schedule.
func NewSink(cfg Config) (*Sink, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		events:     make(chan Event, cfg.BufferSize),
		collectors: NewCollectors(cfg.Namespace, cfg.Registerer),
		exporter:   cfg.Exporter,
		logger:     logger.With("component", "limits.metrics"),
		agg:        Snapshot{PerDimension: make(map[string]DimensionCounts)},
		done:       make(chan struct{}),
	}

	if s.exporter != nil {
		s.cron = cron.New()
		schedule := "@every " + cfg.FlushInterval.String()
		if _, err := s.cron.AddFunc(schedule, func() {
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("metrics export failed", "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule metrics flush: %w", err)
		}
		s.cron.Start()
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Collectors returns the Prometheus collectors.
func (s *Sink) Collectors() *Collectors {
	return s.collectors
}

// Notify queues e. It reports false when the event was dropped.
func (s *Sink) Notify(e Event) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.events <- e:
		return true
	default:
		s.dropped.Add(1)
		s.collectors.dropped.Inc()
		return false
	}
}

// Snapshot returns the current aggregate.
func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.agg
	snap.Timestamp = time.Now()
	snap.Dropped = s.dropped.Load()
	snap.PerDimension = make(map[string]DimensionCounts, len(s.agg.PerDimension))
	for dim, c := range s.agg.PerDimension {
		snap.PerDimension[dim] = c
	}
	if s.agg.Total > 0 {
		snap.MeanLatency = s.total / time.Duration(s.agg.Total)
	}
	return snap
}

// Flush pushes the current snapshot to the exporter.
func (s *Sink) Flush(ctx context.Context) error {
	if s.exporter == nil {
		return nil
	}
	return s.exporter.Export(ctx, s.Snapshot())
}

// Close stops the schedule, drains queued events and exports a final
// snapshot. Close is idempotent.
func (s *Sink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	close(s.done)
	s.wg.Wait()

	return s.Flush(context.Background())
}

func (s *Sink) run() {
	defer s.wg.Done()

	for {
		select {
		case e := <-s.events:
			s.apply(e)
		case <-s.done:
			for {
				select {
				case e := <-s.events:
					s.apply(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) apply(e Event) {
	s.collectors.observe(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.agg.Total++
	switch e.Result() {
	case ResultAllowed:
		s.agg.Allowed++
	case ResultBlocked:
		s.agg.Blocked++
	case ResultShadowed:
		s.agg.Shadowed++
	}
	if e.Degraded {
		s.agg.Degraded++
	}
	for _, dim := range e.Dimensions {
		c := s.agg.PerDimension[dim]
		c.Requests++
		if dim == e.DeniedDimension {
			c.Blocked++
		}
		s.agg.PerDimension[dim] = c
	}
	s.total += e.Latency
	if e.Latency > s.agg.MaxLatency {
		s.agg.MaxLatency = e.Latency
	}
}

// LogExporter writes snapshots to a logger.
type LogExporter struct {
	Logger *slog.Logger
}

// Export logs snap at info level.
func (l LogExporter) Export(_ context.Context, snap Snapshot) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("request tracking snapshot",
		"total", snap.Total,
		"allowed", snap.Allowed,
		"blocked", snap.Blocked,
		"shadowed", snap.Shadowed,
		"degraded", snap.Degraded,
		"dropped", snap.Dropped,
		"mean_latency", snap.MeanLatency,
		"max_latency", snap.MaxLatency,
	)
	return nil
}
