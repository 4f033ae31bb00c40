// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeranaias/paylink/internal/audit"
	"github.com/jeranaias/paylink/internal/instruction"
	"github.com/jeranaias/paylink/internal/logging"
	"github.com/jeranaias/paylink/internal/metrics"
	"github.com/jeranaias/paylink/internal/security"
)

// =============================================================================
// CLIENT DEFAULTS
// =============================================================================

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultClientWrite    = 5 * time.Second
	DefaultClientRead     = 5 * time.Second
	DefaultConnectRetries = 2
	DefaultRetryInterval  = 500 * time.Millisecond
)

// Encrypter seals instruction lines. *security.CipherEngine satisfies it.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// ClientTLS supplies the dialing-side TLS configuration.
// *security.ContextFactory satisfies it.
type ClientTLS interface {
	ClientConfig(serverName string) (*tls.Config, error)
}

// ClientConfig describes how to reach the payroll endpoint.
type ClientConfig struct {
	Host string
	Port int
	// ServerName is verified against the pinned certificate. Defaults to Host.
	ServerName string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration

	// ConnectRetries is how many extra dial+handshake attempts are made.
	// Zero disables retries; negative means DefaultConnectRetries.
	ConnectRetries int
	RetryInterval  time.Duration
}

// Addr returns host:port.
func (c ClientConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// =============================================================================
// CLIENT
// =============================================================================

// Client sends instructions to the payroll endpoint, one connection per
// instruction.
type Client struct {
	cfg     ClientConfig
	enc     Encrypter
	tls     ClientTLS
	metrics *metrics.Metrics
	audit   audit.Sink
	logger  *slog.Logger
	dialer  *net.Dialer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientTLS dials with TLS using t.
func WithClientTLS(t ClientTLS) ClientOption {
	return func(c *Client) { c.tls = t }
}

// WithClientMetrics counts notification results on m.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithClientAudit records one NOTIFY event per send.
func WithClientAudit(sink audit.Sink) ClientOption {
	return func(c *Client) {
		if sink != nil {
			c.audit = sink
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.OrDiscard(l) }
}

// NewClient validates cfg and returns a client.
func NewClient(cfg ClientConfig, enc Encrypter, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, &security.ConfigError{Field: "payroll.host", Reason: "not configured"}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, &security.ConfigError{Field: "payroll.port", Reason: fmt.Sprintf("invalid port %d", cfg.Port)}
	}
	if enc == nil {
		return nil, &security.ConfigError{Field: "master_secret", Reason: "no cipher engine"}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = cfg.Host
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultClientWrite
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultClientRead
	}
	if cfg.ConnectRetries < 0 {
		cfg.ConnectRetries = DefaultConnectRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	c := &Client{
		cfg:    cfg,
		enc:    enc,
		audit:  audit.Nop{},
		logger: logging.Discard(),
		dialer: &net.Dialer{Timeout: cfg.ConnectTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Notify encrypts ev and writes it to the payroll endpoint. It reports whether
// the write completed; it does not wait for the response. Failures are logged,
// never returned.
func (c *Client) Notify(ctx context.Context, ev instruction.Event) bool {
	start := time.Now()
	conn, err := c.send(ctx, ev)
	if conn != nil {
		conn.Close()
	}
	c.finish(start, "", err)
	return err == nil
}

// Deliver is Notify followed by reading the server's single response line.
// The returned error covers transport failures; a delivered but rejected
// instruction returns its error Response with a nil error.
func (c *Client) Deliver(ctx context.Context, ev instruction.Event) (Response, error) {
	start := time.Now()
	conn, err := c.send(ctx, ev)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		c.finish(start, "", err)
		return "", err
	}
	defer conn.Close()

	resp, err := c.await(conn)
	c.finish(start, resp, err)
	return resp, err
}

// send runs encode, encrypt, connect and write. The returned conn is non-nil
// whenever a connection was established, even if the write failed.
func (c *Client) send(ctx context.Context, ev instruction.Event) (net.Conn, error) {
	line, err := ev.Encode()
	if err != nil {
		return nil, err
	}
	envelope, err := c.enc.Encrypt(line)
	if err != nil {
		return nil, err
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	// Nothing past this point is retried.
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return conn, err
	}
	if _, err := conn.Write([]byte(envelope + "\n")); err != nil {
		return conn, fmt.Errorf("write envelope: %w", err)
	}
	return conn, nil
}

func (c *Client) await(conn net.Conn) (Response, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read response: %w", err)
	}
	return ParseResponse(line)
}

// connect dials and, when TLS is configured, completes the handshake. Both
// steps are retried at a constant interval.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	attempt := 0

	op := func() error {
		attempt++
		raw, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr())
		if err != nil {
			return err
		}
		if c.tls == nil {
			conn = raw
			return nil
		}

		cfg, err := c.tls.ClientConfig(c.cfg.ServerName)
		if err != nil {
			raw.Close()
			return backoff.Permanent(err)
		}
		tconn := tls.Client(raw, cfg)
		hctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
		if err := tconn.HandshakeContext(hctx); err != nil {
			raw.Close()
			err = fmt.Errorf("%w: %w", ErrHandshake, err)
			if isVerificationError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = tconn
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryInterval), uint64(c.cfg.ConnectRetries)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("connect failed, retrying", "addr", c.cfg.Addr(), "attempt", attempt, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func isVerificationError(err error) bool {
	var verr *tls.CertificateVerificationError
	if errors.As(err, &verr) {
		return true
	}
	var alert tls.AlertError
	return errors.As(err, &alert)
}

func (c *Client) finish(start time.Time, resp Response, err error) {
	ok := err == nil && (resp == "" || resp.OK())
	c.metrics.NotificationSent(ok)

	e := audit.Event{
		Type:     audit.EventNotify,
		Remote:   c.cfg.Addr(),
		Outcome:  resp.String(),
		Success:  ok,
		Duration: time.Since(start),
	}
	if err != nil {
		e.Error = err.Error()
		c.logger.Error("notification failed", "addr", c.cfg.Addr(), "error", err)
	} else {
		c.logger.Info("notification sent", "addr", c.cfg.Addr(), "response", resp.String(), "duration", time.Since(start))
	}
	if aerr := c.audit.Record(e); aerr != nil {
		c.logger.Error("audit record failed", "error", aerr)
	}
}
