// Package server exposes a limits.Tracker over HTTP.
//
// # Routes
//
//	GET    /health, /ready, /version       probes and build info
//	POST   /v1/track                       decide on a JSON request descriptor
//	ANY    /v1/authorize                   forward-auth: 204 or 429 from headers
//	GET    /v1/resolve?dimension=ip&ip=…   effective rule, nothing recorded
//	GET    /metrics, /v1/stats             when telemetry.metrics.enabled
//
// With server.admin_enabled:
//
//	GET    /v1/admin/blocks
//	PUT    /v1/admin/blocks/{key}          key is dimension:identifier
//	DELETE /v1/admin/blocks/{key}
//	DELETE /v1/admin/keys/{key}            drop the key's counters
//	PUT    /v1/admin/overrides/{target}/{dimension}
//	DELETE /v1/admin/overrides/{target}/{dimension}
//	PUT    /v1/admin/tiers/{user}          {"tier": "gold"}
//	DELETE /v1/admin/tiers/{user}
//	POST   /v1/admin/snapshot              save counters now
//
// The admin API has no authentication of its own; bind it to a private
// address or put it behind an authenticating proxy.
//
// # Usage
//
//	srv, err := server.New(server.Options{
//	    Config:   cfg.Server,
//	    Metrics:  cfg.Telemetry.Metrics,
//	    Tracker:  tracker,
//	    Registry: reg,
//	    Logger:   logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return srv.Start(ctx)
package server
