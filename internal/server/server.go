// Package server provides the Regal HTTP API: run lifecycle endpoints,
// a manual dispatch trigger, and health.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/regalhq/regal/internal/orchestrator"
)

// Server is the Regal HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Orchestrator *orchestrator.Service
	Pinger       Pinger
	Audit        AuditReader
	Logger       *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Orchestrator:        cfg.Orchestrator,
		Pinger:              cfg.Pinger,
		Audit:               cfg.Audit,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Run lifecycle.
	mux.HandleFunc("POST /v1/runs/{key}/start", h.HandleStartRun)
	mux.HandleFunc("POST /v1/runs/{key}/restart", h.HandleRestartRun)
	mux.HandleFunc("POST /v1/runs/{key}/cancel", h.HandleCancelRun)
	mux.HandleFunc("DELETE /v1/runs/{key}", h.HandleDeleteRun)
	mux.HandleFunc("GET /v1/runs/{key}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{key}/audit", h.HandleRunAudit)

	// Batch start for catalog sweeps.
	mux.HandleFunc("POST /v1/runs/bulk-start", h.HandleBulkStart)

	// Manual admission pass for externally scheduled deployments.
	mux.HandleFunc("POST /v1/dispatch", h.HandleDispatch)

	// Health.
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
