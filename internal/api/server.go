// Package api exposes the operation catalog over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/fontbridge/internal/auth"
	"github.com/mattjoyce/fontbridge/internal/catalog"
	"github.com/mattjoyce/fontbridge/internal/gate"
	"github.com/mattjoyce/fontbridge/internal/metrics"
	"github.com/mattjoyce/fontbridge/internal/protocol"
)

// Executor runs catalog operations. *bridge.Bridge satisfies it.
type Executor interface {
	ExecuteJSON(ctx context.Context, operation string, rawParams []byte, timeout time.Duration) protocol.Result
	Catalog() *catalog.Registry
	Gate() *gate.Gate
	MaxTimeout() time.Duration
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens          []auth.TokenConfig
	MaxRequestBytes int64
	Version         string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	exec      Executor
	metrics   *metrics.Collector
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	events    *EventHub
}

// New creates a new API server. m may be nil.
func New(config Config, exec Executor, m *metrics.Collector, logger *slog.Logger) *Server {
	if config.MaxRequestBytes <= 0 {
		config.MaxRequestBytes = 1 << 20
	}
	return &Server{
		config:    config,
		exec:      exec,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
		events:    NewEventHub(128),
	}
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// A request may hold its connection for the longest allowed run plus
		// the interrupt ladder.
		WriteTimeout: s.exec.MaxTimeout() + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		read := s.requireScopes(auth.ScopeOperationsRead)
		r.With(read).Get("/v1/operations", s.handleListOperations)
		r.With(read).Get("/v1/operations/{name}", s.handleGetOperation)
		r.With(read).Get("/v1/events", s.handleEvents)
		// Scope depends on the operation kind; checked in the handler.
		r.Post("/v1/operations/{name}", s.handleExecute)
	})

	return r
}

// loggingMiddleware logs HTTP requests and counts them by route pattern.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Unmatched paths are caller text; keep them out of labels and logs.
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.ObserveHTTP(r.Method, route, fmt.Sprintf("%d", ww.Status()))
		s.logger.Info("http request",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
