// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// schema holds outcomes only. There is no column for instruction contents.
const schema = `
CREATE TABLE IF NOT EXISTS channel_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           INTEGER NOT NULL,
	event_type   TEXT    NOT NULL,
	conn_id      TEXT,
	remote       TEXT,
	tls_version  TEXT,
	cipher_suite TEXT,
	outcome      TEXT,
	success      INTEGER NOT NULL,
	duration_ns  INTEGER,
	error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_channel_events_ts ON channel_events(ts);
CREATE INDEX IF NOT EXISTS idx_channel_events_conn ON channel_events(conn_id);
`

// =============================================================================
// SQLITE SINK
// =============================================================================

// SQLiteSink stores events in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, errors.New("audit database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to restrict audit database permissions: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Record inserts the event.
func (s *SQLiteSink) Record(e Event) error {
	stamp(&e)
	_, err := s.db.Exec(`
		INSERT INTO channel_events
			(ts, event_type, conn_id, remote, tls_version, cipher_suite, outcome, success, duration_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.UnixNano(), e.Type, e.ConnID, e.Remote, e.TLSVersion, e.CipherSuite,
		e.Outcome, e.Success, int64(e.Duration), e.Error)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *SQLiteSink) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT ts, event_type, conn_id, remote, tls_version, cipher_suite, outcome, success, duration_ns, error
		FROM channel_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			ts       int64
			duration int64
		)
		if err := rows.Scan(&ts, &e.Type, &e.ConnID, &e.Remote, &e.TLSVersion, &e.CipherSuite,
			&e.Outcome, &e.Success, &duration, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.Duration = time.Duration(duration)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByOutcome returns how many events of eventType ended with each outcome.
func (s *SQLiteSink) CountByOutcome(eventType string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT outcome, COUNT(*) FROM channel_events
		WHERE event_type = ?
		GROUP BY outcome
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
