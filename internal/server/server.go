// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeranaias/paylink/internal/audit"
	"github.com/jeranaias/paylink/internal/logging"
	"github.com/jeranaias/paylink/internal/metrics"
)

// DefaultAddr is the default ops listen address. Loopback only.
const DefaultAddr = "127.0.0.1:9464"

// KeyCache is the cipher engine surface the ops endpoint manages.
type KeyCache interface {
	ClearCache()
	CacheLen() int
	CacheCapacity() int
}

// TLSContext is the TLS context factory surface the ops endpoint manages.
type TLSContext interface {
	Reload() error
	Context() (*tls.Config, error)
	Builds() int
}

// Config holds ops endpoint settings.
type Config struct {
	Addr    string
	Token   string
	Version string
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the ops HTTP endpoint.
type Server struct {
	cfg     Config
	keys    KeyCache
	tls     TLSContext
	metrics *metrics.Metrics
	audit   audit.Sink
	logger  *slog.Logger
	started time.Time

	router chi.Router

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// Option configures a Server.
type Option func(*Server)

// WithKeyCache attaches the cipher engine.
func WithKeyCache(k KeyCache) Option {
	return func(s *Server) { s.keys = k }
}

// WithTLSContext attaches the TLS context factory.
func WithTLSContext(t TLSContext) Option {
	return func(s *Server) { s.tls = t }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuditSink records ops actions.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Server) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logging.OrDiscard(l) }
}

// New creates an ops server. Call ListenAndServe or Serve to start it.
func New(cfg Config, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		cfg:     cfg,
		audit:   audit.Nop{},
		logger:  logging.Discard(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(
		RecoveryMiddleware(s.logger),
		middleware.RequestID,
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
	)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(s.cfg.Token))
		r.Post("/cache/clear", s.handleCacheClear)
		r.Post("/tls/reload", s.handleTLSReload)
	})

	s.router = r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	KeyCache      *struct {
		Entries  int `json:"entries"`
		Capacity int `json:"capacity"`
	} `json:"key_cache,omitempty"`
	TLS *struct {
		Status string `json:"status"`
		Builds int    `json:"builds"`
		Error  string `json:"error,omitempty"`
	} `json:"tls,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:        "ok",
		Version:       s.cfg.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	if s.keys != nil {
		health.KeyCache = &struct {
			Entries  int `json:"entries"`
			Capacity int `json:"capacity"`
		}{s.keys.CacheLen(), s.keys.CacheCapacity()}
	}

	if s.tls != nil {
		health.TLS = &struct {
			Status string `json:"status"`
			Builds int    `json:"builds"`
			Error  string `json:"error,omitempty"`
		}{Status: "ok"}
		if _, err := s.tls.Context(); err != nil {
			health.TLS.Status = "error"
			health.TLS.Error = err.Error()
			health.Status = "degraded"
		}
		health.TLS.Builds = s.tls.Builds()
	}

	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status":  "error",
			"message": "key cache not configured",
		})
		return
	}

	before := s.keys.CacheLen()
	s.keys.ClearCache()
	s.logger.Info("key cache cleared", "entries", before, "client_ip", ClientIP(r))
	s.record(audit.EventCacheClear, r, true, "")

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"cleared": before,
	})
}

func (s *Server) handleTLSReload(w http.ResponseWriter, r *http.Request) {
	if s.tls == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status":  "error",
			"message": "tls not enabled",
		})
		return
	}

	if err := s.tls.Reload(); err != nil {
		s.logger.Error("tls reload failed", "error", err, "client_ip", ClientIP(r))
		s.record(audit.EventTLSReload, r, false, err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	s.logger.Info("tls context reloaded", "client_ip", ClientIP(r))
	s.record(audit.EventTLSReload, r, true, "")
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"builds": s.tls.Builds(),
	})
}

func (s *Server) record(eventType string, r *http.Request, ok bool, errMsg string) {
	if err := s.audit.Record(audit.Event{
		Type:    eventType,
		Remote:  ClientIP(r),
		Success: ok,
		Error:   errMsg,
	}); err != nil {
		s.logger.Warn("audit write failed", "event", eventType, "error", err)
	}
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("ops endpoint listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("ops endpoint shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
