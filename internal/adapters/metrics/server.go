package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Server exposes a metrics handler on its own listener.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a metrics server serving handler at path on addr.
func NewServer(addr, path string, handler http.Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start blocks serving metrics until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server", "address", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
