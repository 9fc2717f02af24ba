// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/jobrunner/offgrid/internal/application"
	"github.com/jobrunner/offgrid/internal/config"
	"github.com/jobrunner/offgrid/internal/ports/input"
)

// CatalogRefresher triggers an on-demand catalog refresh.
type CatalogRefresher interface {
	TriggerSync(ctx context.Context) (application.SyncResult, error)
}

// Services bundles the application services the API exposes.
// Sync may be nil when the backend cannot enumerate regions.
type Services struct {
	Catalog  input.RegionCatalog
	Sync     CatalogRefresher
	Jobs     input.DownloadJobManager
	Versions input.VersionLister
	Health   input.HealthChecker
}

// Server wraps the HTTP server with application handlers.
type Server struct {
	server   *http.Server
	router   *mux.Router
	catalog  input.RegionCatalog
	sync     CatalogRefresher
	jobs     input.DownloadJobManager
	versions input.VersionLister
	health   input.HealthChecker
	limiter  *rate.Limiter
	observe  mux.MiddlewareFunc
	logger   *slog.Logger
	config   config.ServerConfig
}

// NewServer creates a new HTTP server. observe wraps every request, for
// example with the metrics middleware, and may be nil.
func NewServer(cfg config.ServerConfig, svc Services, observe mux.MiddlewareFunc, logger *slog.Logger) *Server {
	s := &Server{
		catalog:  svc.Catalog,
		sync:     svc.Sync,
		jobs:     svc.Jobs,
		versions: svc.Versions,
		health:   svc.Health,
		observe:  observe,
		logger:   logger,
		config:   cfg,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.Rate), cfg.RateLimit.Burst)
	}

	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.observe != nil {
		r.Use(s.observe)
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// API v1
	api := r.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.rateLimitMiddleware)
	}

	api.HandleFunc("/versions", s.handleVersions).Methods(http.MethodGet)

	api.HandleFunc("/regions", s.handleListRegions).Methods(http.MethodGet)
	api.HandleFunc("/regions/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/regions/{regionId}", s.handleGetRegion).Methods(http.MethodGet)

	api.HandleFunc("/downloads", s.handleStartDownload).Methods(http.MethodPost)
	api.HandleFunc("/downloads/{jobId}", s.handleGetDownload).Methods(http.MethodGet)

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// HTTPServer returns the underlying server, for callers that serve TLS.
func (s *Server) HTTPServer() *http.Server {
	return s.server
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				s.writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects API requests beyond the configured rate.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
