// Package server assembles the HTTP surface: routing, middleware chain,
// health and metrics endpoints, and graceful lifecycle.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/asterope/uws/internal/config"
	"github.com/asterope/uws/internal/server/handlers"
	"github.com/asterope/uws/internal/server/middleware"
	"github.com/asterope/uws/internal/service"
)

// Server is the HTTP front of the job service.
type Server struct {
	cfg     config.ServerConfig
	handler http.Handler
	httpSrv *http.Server
	log     *zap.Logger
}

// Options carries the server's collaborators.
type Options struct {
	Service *service.Service
	Log     *zap.Logger
	Version string

	// Metrics is the registry /metrics exposes; nil uses the default.
	Metrics *prometheus.Registry
	Health  *handlers.HealthManager
}

// New builds the server and its router.
func New(cfg config.ServerConfig, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	health := opts.Health
	if health == nil {
		health = handlers.NewHealthManager(opts.Version)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recovery)
	r.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateLimitBurst))
	r.NotFound(middleware.NotFoundHandler)
	r.MethodNotAllowed(middleware.MethodNotAllowedHandler)

	r.Get("/health", health.HealthHandler)
	if cfg.MetricsEnabled {
		if opts.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
		} else {
			r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		}
	}
	r.Mount("/jobs", handlers.NewJobsAPI(opts.Service, log).Routes())

	return &Server{
		cfg:     cfg,
		handler: r,
		log:     log,
		httpSrv: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Port returns the configured listen port.
func (s *Server) Port() int { return s.cfg.Port }

// ListenAndServe runs the server until ctx is canceled, then shuts down
// gracefully within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.cfg.Addr()))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("http server shutting down")
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
