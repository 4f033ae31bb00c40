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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/paylink/internal/audit"
	"github.com/jeranaias/paylink/internal/instruction"
	"github.com/jeranaias/paylink/internal/metrics"
	"github.com/jeranaias/paylink/internal/security"
)

// ErrHandshake wraps TLS handshake failures on either side of the channel.
var ErrHandshake = errors.New("tls handshake failed")

// session carries one connection through the state machine.
type session struct {
	s      *Server
	id     string
	conn   net.Conn
	remote string
	start  time.Time
	logger *slog.Logger

	tlsVersion  string
	cipherSuite string
	outcome     string
	err         error
}

func (se *session) enter(st ConnState) {
	if se.s.onState != nil {
		se.s.onState(se.id, st)
	}
}

// handle runs the state machine for one accepted connection. The socket is
// closed on every exit path.
func (s *Server) handle(ctx context.Context, raw net.Conn) {
	se := &session{
		s:      s,
		id:     uuid.NewString(),
		conn:   raw,
		remote: raw.RemoteAddr().String(),
		start:  time.Now(),
	}
	se.logger = s.logger.With("conn_id", se.id, "remote", se.remote)
	se.enter(StateAccepted)
	s.metrics.ConnectionOpened()

	defer func() {
		se.conn.Close()
		se.enter(StateClosed)
		s.metrics.ConnectionClosed(se.outcome)
		se.record()
	}()

	if err := raw.SetDeadline(se.start.Add(s.cfg.ReadTimeout)); err != nil {
		se.fail(metrics.OutcomeReadFailed, err)
		return
	}

	if s.tls != nil {
		se.enter(StateHandshaking)
		if err := se.handshake(ctx); err != nil {
			se.fail(metrics.OutcomeHandshakeFailed, err)
			return
		}
	}

	se.enter(StateReading)
	line, resp, err := se.readLine()
	if err != nil {
		se.fail(metrics.OutcomeReadFailed, err)
		return
	}
	if resp == "" {
		resp = se.process(ctx, line)
	}

	se.enter(StateResponding)
	se.respond(resp)
}

func (se *session) handshake(ctx context.Context) error {
	cfg, err := se.s.tls.ServerConfig()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	tconn := tls.Server(se.conn, cfg)
	se.conn = tconn

	hctx, cancel := context.WithDeadline(ctx, se.start.Add(se.s.cfg.ReadTimeout))
	defer cancel()
	if err := tconn.HandshakeContext(hctx); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	state := tconn.ConnectionState()
	se.tlsVersion = security.VersionName(state.Version)
	se.cipherSuite = security.CipherSuiteName(state.CipherSuite)
	se.logger.Debug("handshake complete", "tls_version", se.tlsVersion, "cipher_suite", se.cipherSuite)
	return nil
}

// readLine reads the single envelope line. A non-empty Response means the
// state machine can answer without decrypting. A non-nil error means the
// connection must be abandoned.
func (se *session) readLine() (string, Response, error) {
	sc := bufio.NewScanner(se.conn)
	sc.Buffer(make([]byte, 0, 4096), MaxLineBytes)

	if sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			return "", RespEmptyPayload, nil
		}
		return line, "", nil
	}

	switch err := sc.Err(); {
	case err == nil:
		// Peer closed without sending a line.
		return "", RespEmptyPayload, nil
	case errors.Is(err, bufio.ErrTooLong):
		se.logger.Warn("envelope exceeds line limit", "limit", MaxLineBytes)
		return "", RespDecryptionFailed, nil
	default:
		return "", "", err
	}
}

func (se *session) process(ctx context.Context, envelope string) Response {
	se.enter(StateDecrypting)
	began := time.Now()
	plaintext, err := se.s.dec.Decrypt(envelope)
	se.s.metrics.ObserveDecrypt(time.Since(began))
	if err != nil {
		// Never log the envelope or anything derived from it.
		se.logger.Warn("decryption failed", "error", err)
		se.err = err
		return RespDecryptionFailed
	}

	se.enter(StateProcessing)
	fields := instruction.Parse(plaintext)
	if !instruction.IsValid(fields) {
		se.logger.Warn("instruction rejected", "missing", fields.Missing())
		se.err = instruction.ErrIncomplete
		return RespProcessingFailed
	}
	if se.s.processor != nil {
		if err := se.s.processor.Process(ctx, fields); err != nil {
			se.logger.Warn("processor failed", "action", fields[instruction.KeyAction], "error", err)
			se.err = err
			return RespProcessingFailed
		}
	}
	se.logger.Info("instruction accepted", "action", fields[instruction.KeyAction])
	return RespSuccess
}

func (se *session) respond(resp Response) {
	se.outcome = resp.String()
	if err := se.conn.SetWriteDeadline(time.Now().Add(se.s.cfg.WriteTimeout)); err != nil {
		se.fail(metrics.OutcomeWriteFailed, err)
		return
	}
	if _, err := se.conn.Write([]byte(resp.String() + "\n")); err != nil {
		se.fail(metrics.OutcomeWriteFailed, err)
		return
	}
	se.logger.Debug("response sent", "response", se.outcome, "duration", time.Since(se.start))
}

func (se *session) fail(outcome string, err error) {
	se.outcome = outcome
	se.err = err
	se.logger.Warn("connection abandoned", "outcome", outcome, "error", err)
}

func (se *session) record() {
	e := audit.Event{
		Type:        audit.EventConnection,
		ConnID:      se.id,
		Remote:      se.remote,
		TLSVersion:  se.tlsVersion,
		CipherSuite: se.cipherSuite,
		Outcome:     se.outcome,
		Success:     se.outcome == RespSuccess.String(),
		Duration:    time.Since(se.start),
	}
	if se.err != nil {
		e.Error = se.err.Error()
	}
	if err := se.s.audit.Record(e); err != nil {
		se.logger.Error("audit record failed", "error", err)
	}
}
