// Package health provides liveness and readiness probes for the throttle
// ops server.
//
// # Endpoints
//
//   - /health: liveness, always 200 while the process serves HTTP
//   - /ready: readiness, runs every registered check
//   - /version: build information
//
// # Usage
//
//	checker := health.New(2 * time.Second)
//	checker.RegisterCheck("policy", func(ctx context.Context) error {
//	    if tracker.Version() == "" {
//	        return errors.New("no policy loaded")
//	    }
//	    return nil
//	})
//	checker.RegisterOptionalCheck("distributed", tracker.PingDistributed)
//	health.Mount(mux, checker, health.NewVersionInfo(version, commit, buildTime))
//
// A failing optional check reports "degraded" with status 200. Only a
// failing critical check returns 503.
package health
