// Package server provides the HTTP API for Kensaku.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/fulltext"
	"github.com/hyperjump/kensaku/internal/metrics"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 32 << 20

// Server is the HTTP server for the Kensaku API.
type Server struct {
	registry     *fulltext.Registry
	metrics      *metrics.Metrics // optional
	config       *config.ServerConfig
	logger       *zap.Logger
	maxBodyBytes int64
	server       *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request metrics and serves them on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// NewServer creates a server over the indexes of registry.
func NewServer(registry *fulltext.Registry, cfg *config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry:     registry,
		config:       cfg,
		logger:       logger,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1/indexes", func(r chi.Router) {
		r.Get("/", s.handleListIndexes)
		r.Route("/{name}", func(r chi.Router) {
			r.Post("/documents", s.handleAddDocument)
			r.Get("/documents/{id}", s.handleReadDocument)
			r.Put("/documents/{id}", s.handleUpdateDocument)
			r.Delete("/documents/{id}", s.handleRemoveDocument)
			r.Post("/search", s.handleSearch)
			r.Delete("/cache", s.handleClearCache)
			r.Get("/status", s.handleStatus)
		})
	})
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
