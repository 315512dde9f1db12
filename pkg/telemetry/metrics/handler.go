package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mercator-hq/throttle/pkg/limits"
)

// NewRegistry returns a registry with the Go runtime and process collectors.
// Pass it to limits.Options.Registerer and serve it with Handler.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
//
// It exposes all metrics registered on reg in the Prometheus exposition
// format, or OpenMetrics when the scraper asks for it. It should be mounted
// at telemetry.metrics.path (typically "/metrics").
//
// Example:
//
//	reg := metrics.NewRegistry()
//	tracker, _ := limits.FromConfig(cfg, limits.Options{Registerer: reg})
//	mux.Handle("/metrics", metrics.Handler(reg))
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// StatsSource provides a point-in-time tracker view.
type StatsSource interface {
	GetStats() limits.Stats
}

// StatsHandler serves the tracker statistics as JSON.
//
// Example response:
//
//	{
//	    "total_requests": 1200,
//	    "blocked_requests": 35,
//	    "shadowed_requests": 0,
//	    "per_dimension": {"ip": {"requests": 1200, "blocked": 30, "active_keys": 14, "evictions": 0}, ...},
//	    "active_keys": 40,
//	    "held_keys": 2,
//	    "distributed_fallbacks": 0,
//	    "config_version": "3f2a9c..."
//	}
func StatsHandler(src StatsSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.GetStats())
	})
}
