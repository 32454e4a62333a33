package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiki-ai/hibiki/internal/auth"
	"github.com/hibiki-ai/hibiki/internal/ctxutil"
	"github.com/hibiki-ai/hibiki/internal/ratelimit"
	"github.com/hibiki-ai/hibiki/internal/stream"
)

// Server is the Hibiki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds all dependencies and configuration for creating a Server.
// Optional (nil-safe): Registry, Limiter.
type Config struct {
	Store      Store
	JWTMgr     *auth.JWTManager
	Dispatcher Submitter
	Registry   *stream.Registry
	Limiter    ratelimit.Limiter
	Logger     *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	ServiceKeyHash      string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Dispatcher:          cfg.Dispatcher,
		Registry:            cfg.Registry,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		ServiceKeyHash:      cfg.ServiceKeyHash,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}

	// Token issuance is keyed by client IP (unauthenticated); run
	// submission by the authenticated user.
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)
	runRL := ratelimit.Middleware(cfg.Limiter, userKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Agent management.
	mux.HandleFunc("POST /v1/agents", h.HandleCreateAgent)
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.HandleGetAgent)
	mux.HandleFunc("GET /v1/agents/{agent_id}/runs", h.HandleListAgentRuns)

	// Run submission and inspection (submission rate limited per user).
	mux.Handle("POST /v1/runs", runRL(http.HandlerFunc(h.HandleCreateRun)))
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)

	// Event stream (no rate limit — long-lived connection).
	mux.HandleFunc("GET /v1/events", h.HandleEvents)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
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

// userKeyFunc extracts the authenticated user ID for rate limiting.
// Returns empty string (skip) when there are no claims.
func userKeyFunc(r *http.Request) string {
	return ctxutil.UserIDFromContext(r.Context())
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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
