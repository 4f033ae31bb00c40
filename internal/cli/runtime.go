// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// runtime.go - Builds the channel components from a resolved configuration.

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/paylink/internal/audit"
	"github.com/jeranaias/paylink/internal/config"
	"github.com/jeranaias/paylink/internal/instruction"
	"github.com/jeranaias/paylink/internal/metrics"
	"github.com/jeranaias/paylink/internal/security"
	"github.com/jeranaias/paylink/internal/server"
	"github.com/jeranaias/paylink/internal/transport"
)

// shutdownTimeout bounds the wait for in-flight connections on exit.
const shutdownTimeout = 10 * time.Second

// channelRuntime holds the components shared by serve and send.
type channelRuntime struct {
	channel config.SecureChannel
	logger  *slog.Logger
	engine  *security.CipherEngine
	// tls is nil when TLS is disabled.
	tls     *security.ContextFactory
	audit   audit.Sink
	metrics *metrics.Metrics
}

// newRuntime constructs every component and builds the TLS context once, so
// credential problems fail here rather than on the first connection.
func newRuntime(ch config.SecureChannel, logger *slog.Logger) (*channelRuntime, error) {
	engine, err := security.NewCipherEngine(ch.MasterSecret, security.WithKeyCacheSize(ch.KeyCacheSize))
	if err != nil {
		return nil, err
	}

	rt := &channelRuntime{
		channel: ch,
		logger:  logger,
		engine:  engine,
		metrics: metrics.New(),
	}
	rt.metrics.WatchKeyCache(engine)

	if ch.TLSEnabled {
		rt.tls = security.NewContextFactory(ch.TLS, security.WithContextLogger(logger))
		if _, err := rt.tls.Context(); err != nil {
			return nil, fmt.Errorf("tls context: %w", err)
		}
		rt.metrics.WatchTLSBuilds(rt.tls)
	} else {
		logger.Warn("TLS is disabled; envelopes travel over plain TCP")
	}

	sink, err := audit.Open(ch.Audit)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	rt.audit = sink
	return rt, nil
}

func (rt *channelRuntime) Close() error {
	return rt.audit.Close()
}

func (rt *channelRuntime) record(eventType string, ok bool, err error) {
	e := audit.Event{Type: eventType, Success: ok}
	if err != nil {
		e.Error = err.Error()
	}
	if rerr := rt.audit.Record(e); rerr != nil {
		rt.logger.Error("audit record failed", "error", rerr)
	}
}

// client builds a transport client for the configured payroll endpoint.
func (rt *channelRuntime) client() (*transport.Client, error) {
	opts := []transport.ClientOption{
		transport.WithClientMetrics(rt.metrics),
		transport.WithClientAudit(rt.audit),
		transport.WithClientLogger(rt.logger),
	}
	if rt.tls != nil {
		opts = append(opts, transport.WithClientTLS(rt.tls))
	}
	return transport.NewClient(rt.channel.Payroll, rt.engine, opts...)
}

// serveOptions selects the optional parts of serve.
type serveOptions struct {
	// ops is nil when the ops endpoint is disabled.
	ops       net.Listener
	opsToken  string
	processor transport.Processor
}

// serve runs the channel server, the ops endpoint and the keystore watcher
// until ctx is cancelled or one of them fails.
func (rt *channelRuntime) serve(ctx context.Context, ln net.Listener, so serveOptions) error {
	opts := []transport.ServerOption{
		transport.WithServerMetrics(rt.metrics),
		transport.WithServerAudit(rt.audit),
		transport.WithServerLogger(rt.logger),
	}
	if rt.tls != nil {
		opts = append(opts, transport.WithServerTLS(rt.tls))
	}
	if so.processor != nil {
		opts = append(opts, transport.WithProcessor(so.processor))
	}
	srv, err := transport.NewServer(rt.channel.Server, rt.engine, opts...)
	if err != nil {
		return err
	}

	if rt.tls != nil && rt.channel.WatchKeyStore {
		w, err := security.NewKeyStoreWatcher(rt.channel.TLS.KeyStorePath, rt.tls,
			security.WithWatcherLogger(rt.logger))
		if err != nil {
			return err
		}
		if err := w.Watch(); err != nil {
			w.Close()
			return err
		}
		defer w.Close()
	}

	var ops *server.Server
	if so.ops != nil {
		opsOpts := []server.Option{
			server.WithKeyCache(rt.engine),
			server.WithMetrics(rt.metrics),
			server.WithAuditSink(rt.audit),
			server.WithLogger(rt.logger),
		}
		if rt.tls != nil {
			opsOpts = append(opsOpts, server.WithTLSContext(rt.tls))
		}
		ops = server.New(server.Config{
			Addr:    so.ops.Addr().String(),
			Token:   so.opsToken,
			Version: Version,
		}, opsOpts...)
	}

	rt.record(audit.EventStartup, true, nil)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.Serve(gctx, ln)
		if errors.Is(err, transport.ErrServerClosed) {
			return nil
		}
		return err
	})
	if ops != nil {
		g.Go(func() error { return ops.Serve(so.ops) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		rt.logger.Info("shutting down", "timeout", shutdownTimeout)
		var errs []error
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("channel shutdown: %w", err))
		}
		if ops != nil {
			if err := ops.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("ops shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	rt.record(audit.EventShutdown, err == nil, err)
	return err
}

// strictProcessor rejects instructions whose ID or TIMESTAMP is not an
// integer, on top of the required-field check the server always applies.
func strictProcessor(logger *slog.Logger) transport.Processor {
	return transport.ProcessorFunc(func(_ context.Context, f instruction.Fields) error {
		ev, err := instruction.ParseEvent(f)
		if err != nil {
			return err
		}
		logger.Debug("instruction parsed", "action", ev.Action, "id", ev.ID, "at", ev.Timestamp)
		return nil
	})
}
