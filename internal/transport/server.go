// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/jeranaias/paylink/internal/audit"
	"github.com/jeranaias/paylink/internal/instruction"
	"github.com/jeranaias/paylink/internal/logging"
	"github.com/jeranaias/paylink/internal/metrics"
	"github.com/jeranaias/paylink/internal/security"
)

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	// DefaultReadTimeout bounds handshake plus read on the server.
	DefaultReadTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds writing the response line.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultMaxConnections bounds concurrently handled connections.
	DefaultMaxConnections = 64

	// MaxLineBytes caps a received line. Longer lines are treated as a
	// malformed envelope.
	MaxLineBytes = 64 * 1024
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Decrypter opens envelopes. *security.CipherEngine satisfies it.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// ServerTLS supplies the server-side TLS configuration.
// *security.ContextFactory satisfies it.
type ServerTLS interface {
	ServerConfig() (*tls.Config, error)
}

// Processor receives each valid instruction on the payroll side. A non-nil
// error is reported to the peer as ERROR:PROCESSING_FAILED.
type Processor interface {
	Process(ctx context.Context, f instruction.Fields) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, f instruction.Fields) error

// Process implements Processor.
func (fn ProcessorFunc) Process(ctx context.Context, f instruction.Fields) error {
	return fn(ctx, f)
}

// =============================================================================
// SERVER
// =============================================================================

// ServerConfig tunes the channel server.
type ServerConfig struct {
	// ReadTimeout is the deadline for handshake plus reading the line.
	ReadTimeout time.Duration
	// WriteTimeout is the deadline for writing the response.
	WriteTimeout time.Duration
	// MaxConnections bounds concurrent handlers.
	MaxConnections int
	// AcceptRate limits accepted connections per second. Zero disables.
	AcceptRate float64
	// AcceptBurst is the limiter burst. Defaults to MaxConnections.
	AcceptBurst int
}

// Server accepts channel connections and answers each with one response
// line. Each connection runs in its own goroutine, bounded by a semaphore.
type Server struct {
	cfg       ServerConfig
	dec       Decrypter
	tls       ServerTLS
	processor Processor
	metrics   *metrics.Metrics
	audit     audit.Sink
	logger    *slog.Logger
	onState   func(connID string, st ConnState)

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	// force is cancelled when Shutdown gives up waiting. In-flight
	// handlers see it instead of the Serve context.
	force     context.Context
	forceStop context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closing   bool
	wg        sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerTLS enables TLS using t. Without it the server speaks plain TCP.
func WithServerTLS(t ServerTLS) ServerOption {
	return func(s *Server) { s.tls = t }
}

// WithProcessor installs the payroll-side instruction hook.
func WithProcessor(p Processor) ServerOption {
	return func(s *Server) { s.processor = p }
}

// WithServerMetrics records connection metrics on m.
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithServerAudit records one audit event per connection.
func WithServerAudit(sink audit.Sink) ServerOption {
	return func(s *Server) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logging.OrDiscard(l) }
}

// WithStateHook calls fn on every state transition. fn must not block.
func WithStateHook(fn func(connID string, st ConnState)) ServerOption {
	return func(s *Server) { s.onState = fn }
}

// NewServer creates a channel server.
func NewServer(cfg ServerConfig, dec Decrypter, opts ...ServerOption) (*Server, error) {
	if dec == nil {
		return nil, &security.ConfigError{Field: "master_secret", Reason: "no cipher engine"}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}

	force, forceStop := context.WithCancel(context.Background())
	s := &Server{
		force:     force,
		forceStop: forceStop,
		cfg:       cfg,
		dec:       dec,
		audit:     audit.Nop{},
		logger:    logging.Discard(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = cfg.MaxConnections
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("transport: server closed")

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called. It returns nil on cancellation and ErrServerClosed after Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	// Cancelling ctx stops accepting but lets open connections drain.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	context.AfterFunc(s.force, cancelConns)

	s.logger.Info("channel server listening",
		"addr", ln.Addr().String(),
		"tls", s.tls != nil,
		"max_connections", s.cfg.MaxConnections,
	)

	var tempDelay time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return s.serveExit(ctx)
			}
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return s.serveExit(ctx)
		}

		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.isClosing() || ctx.Err() != nil {
				return s.serveExit(ctx)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Back off on transient accept errors, as net/http does.
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.logger.Warn("accept error, retrying", "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		if !s.trackConn(conn) {
			s.sem.Release(1)
			conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.untrackConn(conn)
			s.handle(connCtx, conn)
		}()
	}
}

// Shutdown stops every listener and waits for in-flight connections to
// finish. If ctx expires first, remaining connections are closed and
// ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.forceStop()
		return nil
	case <-ctx.Done():
		s.forceStop()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) serveExit(ctx context.Context) error {
	if s.isClosing() {
		return ErrServerClosed
	}
	if ctx.Err() != nil {
		return nil
	}
	return ErrServerClosed
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

// trackConn registers conn and adds it to the wait group under the same lock
// Shutdown takes, so no handler can start after Shutdown begins waiting.
func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
