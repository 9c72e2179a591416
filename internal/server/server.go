// Package server exposes the operator HTTP API: positions, daily P&L, the
// circuit breaker, and active stop-loss protections. It is read-mostly; the
// single mutating endpoint is the breaker manual reset.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/server/handler"
	"tradeguard/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port               int
	CORSOrigins        []string
	APIKey             string // if empty, authentication is disabled
	RateLimitPerMinute int    // 0 disables per-client rate limiting
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Positions   *handler.PositionHandler
	Pnl         *handler.PnlHandler
	Breaker     *handler.BreakerHandler
	Protections *handler.ProtectionHandler
}

// Server is the operator HTTP API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux
// and the middleware chain (rate limit, auth, logging, CORS) applied.
// The rate limiter is optional; pass nil to skip per-client limiting.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/history", handlers.Positions.ListHistory)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)

	// Daily P&L.
	mux.HandleFunc("GET /api/pnl/daily", handlers.Pnl.GetDaily)

	// Circuit breaker.
	mux.HandleFunc("GET /api/breaker", handlers.Breaker.GetStatus)
	mux.HandleFunc("POST /api/breaker/reset", handlers.Breaker.Reset)

	// Active protections.
	mux.HandleFunc("GET /api/protections", handlers.Protections.ListProtections)

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	if limiter != nil && cfg.RateLimitPerMinute > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute)(h)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
