// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics holds the Prometheus collectors for the channel.
//
// Collectors are registered on a per-process registry rather than the global
// default, so tests can build as many independent sets as they like. Every
// method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection outcome labels beyond the response lines themselves.
const (
	OutcomeHandshakeFailed = "handshake_failed"
	OutcomeReadFailed      = "read_failed"
	OutcomeWriteFailed     = "write_failed"
)

// Notification result labels.
const (
	ResultSent   = "sent"
	ResultFailed = "failed"
)

// KeyCache is the part of the cipher engine the gauge reads.
type KeyCache interface {
	CacheLen() int
}

// BuildCounter is the part of the TLS context factory the counter reads.
type BuildCounter interface {
	Builds() int
}

// Metrics holds all Prometheus collectors for the channel.
type Metrics struct {
	registry *prometheus.Registry

	Connections       *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	HandshakeFailures prometheus.Counter
	Notifications     *prometheus.CounterVec
	DecryptDuration   prometheus.Histogram
}

// New creates a registry and registers every channel collector on it,
// together with the standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paylink_connections_total",
			Help: "Connections handled by the channel server, by outcome",
		}, []string{"outcome"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "paylink_active_connections",
			Help: "Connections currently being handled",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "paylink_handshake_failures_total",
			Help: "TLS handshakes that failed on the channel server",
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paylink_notifications_total",
			Help: "Notifications attempted by the channel client, by result",
		}, []string{"result"}),
		DecryptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "paylink_decrypt_duration_seconds",
			Help:    "Time spent opening envelopes, including key derivation on cache misses",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WatchKeyCache exports the cipher engine's cache size as a gauge.
func (m *Metrics) WatchKeyCache(c KeyCache) {
	if m == nil || c == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "paylink_key_cache_entries",
		Help: "Derived keys currently held in the cipher engine cache",
	}, func() float64 { return float64(c.CacheLen()) })
}

// WatchTLSBuilds exports the TLS context factory's build count.
func (m *Metrics) WatchTLSBuilds(b BuildCounter) {
	if m == nil || b == nil {
		return
	}
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Name: "paylink_tls_context_builds_total",
		Help: "TLS contexts built from the keystore",
	}, func() float64 { return float64(b.Builds()) })
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active gauge and counts the outcome.
func (m *Metrics) ConnectionClosed(outcome string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.Connections.WithLabelValues(outcome).Inc()
	if outcome == OutcomeHandshakeFailed {
		m.HandshakeFailures.Inc()
	}
}

// ObserveDecrypt records how long a decrypt took.
func (m *Metrics) ObserveDecrypt(d time.Duration) {
	if m == nil {
		return
	}
	m.DecryptDuration.Observe(d.Seconds())
}

// NotificationSent counts a client notification attempt.
func (m *Metrics) NotificationSent(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Notifications.WithLabelValues(ResultSent).Inc()
	} else {
		m.Notifications.WithLabelValues(ResultFailed).Inc()
	}
}
