// Package web provides the HTTP API of the job engine.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/idost/parasto-jobs/internal/config"
	"github.com/idost/parasto-jobs/internal/core"
	mw "github.com/idost/parasto-jobs/internal/web/middleware"
)

// HealthCheck is a named dependency probe reported by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server is the HTTP server for the job API.
type Server struct {
	jobs    *core.Coordinator
	cfg     *config.Config
	files   http.Handler
	checks  []HealthCheck
	limiter *rateLimiter
	router  *chi.Mux
	server  *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithFiles mounts h at /files/ to serve locally stored artifacts.
func WithFiles(h http.Handler) Option {
	return func(s *Server) { s.files = h }
}

// WithHealthChecks adds dependency probes to /healthz.
func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.checks = append(s.checks, checks...) }
}

// NewServer creates a new Server instance.
func NewServer(jobs *core.Coordinator, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		jobs:   jobs,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Server.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		s.limiter = newRateLimiter(s.cfg.Rate.RequestsPerMinute, time.Minute)
		s.router.Use(s.limiter.middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.files != nil {
		s.router.Handle("/files/*", s.files)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

		// Entity catalog
		r.Get("/entities", s.handleListEntities)
		r.Get("/entities/{entityType}/template", s.handleEntityTemplate)

		// Job creation
		r.Post("/exports", s.handleCreateExport)
		r.Post("/imports", s.handleCreateImport)

		// Job reads and control
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
		r.Get("/jobs/{jobID}/errors", s.handleJobErrors)
		r.Get("/jobs/{jobID}/errors.csv", s.handleJobErrorsCSV)
		r.Get("/jobs/{jobID}/download", s.handleDownload)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("server starting", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		// The API serves data and files only
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
