// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the channel's local operations HTTP endpoint.
//
// The ops endpoint is separate from the channel listener and binds to
// loopback by default. It never carries notification traffic.
//
// # Endpoints
//
//   - GET  /health     - Liveness plus key cache and TLS context status
//   - GET  /metrics    - Prometheus exposition
//   - POST /cache/clear - Purge the derived-key cache
//   - POST /tls/reload  - Drop and rebuild the TLS context from the keystore
//
// When a token is configured, the POST endpoints require
// "Authorization: Bearer <token>", compared in constant time.
//
// # Usage
//
//	ops := server.New(server.Config{Addr: "127.0.0.1:9464"},
//		server.WithKeyCache(engine),
//		server.WithTLSContext(factory),
//		server.WithMetrics(m),
//	)
//	go ops.ListenAndServe()
//	defer ops.Shutdown(ctx)
package server
