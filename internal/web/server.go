// Package web exposes the quotafleet HTTP API: latest snapshots, event
// history, registry reconciliation, and refresh triggers.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
)

// Server wraps an HTTP server with graceful shutdown capabilities.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server. When username and passwordHash are both
// set, mutating endpoints require Basic Auth; reads stay open.
func NewServer(host string, port int, handler *Handler, logger *slog.Logger, username, passwordHash string) *Server {
	if port == 0 {
		port = 8080
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handler.Healthz)
	mux.HandleFunc("GET /latest", handler.LatestAll)
	mux.HandleFunc("GET /latest/{label}", handler.LatestOne)
	mux.HandleFunc("GET /registry", handler.Registry)
	mux.HandleFunc("POST /registry", handler.RegistryReplace)
	mux.HandleFunc("GET /events/{label}", handler.Events)
	mux.HandleFunc("POST /refresh", handler.Refresh)
	mux.HandleFunc("POST /refresh_async", handler.RefreshAsync)
	mux.HandleFunc("POST /ingest", handler.Ingest)

	var finalHandler http.Handler = mux
	if username != "" && passwordHash != "" {
		finalHandler = AuthMiddleware(username, passwordHash, logger)(mux)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
			Handler: finalHandler,
		},
		logger: logger,
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting api server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down api server")
	return s.httpServer.Shutdown(ctx)
}
