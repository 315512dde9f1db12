package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/throttle/pkg/config"
	"mercator-hq/throttle/pkg/limits"
	"mercator-hq/throttle/pkg/server/middleware"
	"mercator-hq/throttle/pkg/telemetry/health"
	"mercator-hq/throttle/pkg/telemetry/metrics"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Options carries the server configuration and its dependencies.
type Options struct {
	Config  config.ServerConfig
	Metrics config.MetricsConfig

	// Tracker answers decisions and admin operations. Required.
	Tracker *limits.Tracker

	// Checker backs /ready. Default: a checker without checks.
	Checker *health.Checker

	// Registry is served at Metrics.Path when metrics are enabled.
	Registry *prometheus.Registry

	// Version is served at /version.
	Version health.VersionInfo

	Logger *slog.Logger
}

// Server is the HTTP front of a Tracker: decisions, health, metrics and the
// admin API.
type Server struct {
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server

	mu           sync.RWMutex
	listener     net.Listener
	isRunning    bool
	shutdownOnce sync.Once
}

// New creates a server. It does not listen until Start.
func New(opts Options) (*Server, error) {
	if opts.Tracker == nil {
		return nil, errors.New("server: tracker is required")
	}
	if opts.Metrics.Enabled && opts.Registry == nil {
		return nil, errors.New("server: registry is required when metrics are enabled")
	}
	if opts.Checker == nil {
		opts.Checker = health.New(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		opts:   opts,
		logger: logger.With("component", "server"),
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Start listens on the configured address and serves until ctx is cancelled
// or Shutdown is called. It then shuts down gracefully within
// ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	ln, err := net.Listen("tcp", s.opts.Config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Config.ListenAddress, err)
	}
	s.listener = ln
	s.isRunning = true
	s.mu.Unlock()

	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"metrics_enabled", s.opts.Metrics.Enabled,
		"admin_enabled", s.opts.Config.AdminEnabled,
	)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err, ok := <-errChan:
		if ok {
			return err
		}
		return nil
	}
}

// Shutdown gracefully shuts down the server. It is safe to call more than
// once.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.RLock()
		running := s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		s.logger.Info("initiating graceful shutdown", "timeout", s.opts.Config.ShutdownTimeout.String())

		shutdownCtx := ctx
		if s.opts.Config.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(ctx, s.opts.Config.ShutdownTimeout)
			defer cancel()
		}

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("server stopped")
	})

	return shutdownErr
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Config.ListenAddress
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	health.Mount(mux, s.opts.Checker, s.opts.Version)

	api := &api{tracker: s.opts.Tracker, logger: s.logger}
	mux.HandleFunc("POST /v1/track", api.track)
	mux.HandleFunc("GET /v1/resolve", api.resolve)
	mux.Handle("/v1/authorize", middleware.Throttle(s.opts.Tracker, middleware.ThrottleConfig{
		TrustForwardedFor: s.opts.Config.TrustForwardedFor,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	if s.opts.Metrics.Enabled {
		mux.Handle("GET "+s.opts.Metrics.Path, metrics.Handler(s.opts.Registry))
		mux.Handle("GET /v1/stats", metrics.StatsHandler(s.opts.Tracker))
	}

	if s.opts.Config.AdminEnabled {
		mux.HandleFunc("GET /v1/admin/blocks", api.listBlocks)
		mux.HandleFunc("PUT /v1/admin/blocks/{key}", api.block)
		mux.HandleFunc("DELETE /v1/admin/blocks/{key}", api.unblock)
		mux.HandleFunc("DELETE /v1/admin/keys/{key}", api.resetKey)
		mux.HandleFunc("PUT /v1/admin/overrides/{target}/{dimension}", api.setOverride)
		mux.HandleFunc("DELETE /v1/admin/overrides/{target}/{dimension}", api.removeOverride)
		mux.HandleFunc("PUT /v1/admin/tiers/{user}", api.assignTier)
		mux.HandleFunc("DELETE /v1/admin/tiers/{user}", api.unassignTier)
		mux.HandleFunc("POST /v1/admin/snapshot", api.snapshot)
	}

	var handler http.Handler = mux
	handler = middleware.Logging(s.opts.Logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(s.opts.Logger)(handler)
	return handler
}
