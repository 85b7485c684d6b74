// Package api serves the pool over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/offload/internal/capability"
	"github.com/mattjoyce/offload/internal/events"
	"github.com/mattjoyce/offload/internal/job"
	"github.com/mattjoyce/offload/internal/pool"
	"github.com/mattjoyce/offload/internal/scheduler"
)

// PoolInspector reports on the worker pool.
type PoolInspector interface {
	Stats() pool.Stats
	Check() []pool.WorkerStatus
}

// Runtime registers and dispatches jobs and counts dispatches.
type Runtime interface {
	job.Runtime
	Stats() scheduler.Stats
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a bearer token required on every route but /healthz when set.
	APIKey string
	// Isolation is reported by GET /pool.
	Isolation string
	// MaxBodyBytes caps dispatch request bodies.
	MaxBodyBytes int64
}

// rawJob is a capability bound to a job on the runtime.
type rawJob = job.Job[json.RawMessage, json.RawMessage]

// Server represents the HTTP API server
type Server struct {
	config    Config
	pool      PoolInspector
	runtime   Runtime
	table     *capability.Table
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	mu   sync.Mutex
	jobs map[string]*rawJob
}

// New creates a new API server instance
func New(config Config, p PoolInspector, rt Runtime, table *capability.Table, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		pool:      p,
		runtime:   rt,
		table:     table,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
		jobs:      make(map[string]*rawJob),
	}
}

// Handler returns the HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/pool", s.handlePool)
		r.Get("/capabilities", s.handleCapabilities)
		r.Post("/dispatch/{capability}", s.handleDispatch)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
