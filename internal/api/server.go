// Package api exposes the conversation engine over HTTP. Request parsing,
// authentication, and rate limiting live here; the engine itself never
// sees an http.Request.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tablazat/quotebot/internal/cache"
	"github.com/tablazat/quotebot/internal/engine"
	"github.com/tablazat/quotebot/internal/log"
	"github.com/tablazat/quotebot/internal/observability"
	"github.com/tablazat/quotebot/internal/store"
)

// Config holds server settings.
type Config struct {
	// Listen is the bind address.
	Listen string
	// APIKey guards the mutating endpoints; empty disables auth (dev).
	APIKey string
	// RateLimit configures per-client limiting; nil disables it.
	RateLimit *RateLimitConfig
}

// Server is the HTTP front of the engine.
type Server struct {
	cfg    Config
	engine *engine.Engine
	store  store.Store
	cache  cache.Cache
	logger log.Logger
	http   *http.Server
}

// NewServer wires the routes and middleware.
func NewServer(cfg Config, eng *engine.Engine, st store.Store, ca cache.Cache, logger log.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		store:  st,
		cache:  ca,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/conversations/start", s.handleStart)
	mux.HandleFunc("POST /api/v1/conversations/message", s.handleMessage)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleStatus)
	mux.HandleFunc("GET /api/v1/conversations/{id}/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.handleDelete)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	var handler http.Handler = mux
	if cfg.RateLimit != nil {
		handler = rateLimitMiddleware(newClientLimiters(*cfg.RateLimit), handler)
	}
	if cfg.APIKey != "" {
		handler = authMiddleware(cfg.APIKey, handler)
	}
	handler = requestLogMiddleware(s.logger, handler)

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.cfg.Listen)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
