// Package metrics exposes tracker metrics over HTTP.
//
// The collectors themselves live in pkg/limits/metrics and are registered on
// the registry passed to limits.FromConfig. This package provides that
// registry, the Prometheus scrape handler and a JSON view of
// limits.Tracker.GetStats.
//
// # Usage
//
//	reg := metrics.NewRegistry()
//	tracker, err := limits.FromConfig(cfg, limits.Options{Registerer: reg})
//	if err != nil {
//	    return err
//	}
//	mux.Handle("/metrics", metrics.Handler(reg))
//	mux.Handle("/stats", metrics.StatsHandler(tracker))
package metrics
