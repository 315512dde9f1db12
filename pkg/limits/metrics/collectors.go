package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the Prometheus collectors fed by the sink.
type Collectors struct {
	// Per-dimension checks
	dimensionChecks *prometheus.CounterVec
	dimensionBlocks *prometheus.CounterVec

	// Whole-request decisions
	decisions *prometheus.CounterVec

	// Distributed votes dropped
	degraded prometheus.Counter

	// Events lost because the buffer was full
	dropped prometheus.Counter

	// Live keys per dimension
	activeKeys *prometheus.GaugeVec

	// Decision latency
	checkDuration prometheus.Histogram
}

// NewCollectors creates the collectors and registers them on reg. A nil reg
// creates unregistered collectors.
func NewCollectors(namespace string, reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		dimensionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dimension_checks_total",
				Help:      "Total number of per-dimension limit checks",
			},
			[]string{"dimension"},
		),

		dimensionBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dimension_blocks_total",
				Help:      "Total number of requests denied by a dimension",
			},
			[]string{"dimension"},
		),

		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of tracked requests by result",
			},
			[]string{"result"},
		),

		degraded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "distributed_degraded_total",
				Help:      "Total number of decisions taken without the distributed vote",
			},
		),

		dropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metrics_events_dropped_total",
				Help:      "Total number of metric events dropped because the buffer was full",
			},
		),

		activeKeys: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_keys",
				Help:      "Current number of tracked keys",
			},
			[]string{"dimension"},
		),

		checkDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "Duration of request checks in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to 16ms
			},
		),
	}
}

func (c *Collectors) observe(e Event) {
	for _, dim := range e.Dimensions {
		c.dimensionChecks.WithLabelValues(dim).Inc()
	}
	if e.DeniedDimension != "" {
		c.dimensionBlocks.WithLabelValues(e.DeniedDimension).Inc()
	}
	c.decisions.WithLabelValues(string(e.Result())).Inc()
	if e.Degraded {
		c.degraded.Inc()
	}
	c.checkDuration.Observe(e.Latency.Seconds())
}

// SetActiveKeys updates the live key gauge of a dimension.
func (c *Collectors) SetActiveKeys(dimension string, n int) {
	c.activeKeys.WithLabelValues(dimension).Set(float64(n))
}
