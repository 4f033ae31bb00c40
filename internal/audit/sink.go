// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"
	"time"
)

// Backends accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Sink records audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(Event) error { return nil }

// Close implements Sink.
func (Nop) Close() error { return nil }

// Options selects and configures a sink.
type Options struct {
	Enabled bool
	Backend string
	Path    string
	// MaxSizeMB triggers file rotation. Ignored by the SQLite backend.
	MaxSizeMB int
}

// Open returns the sink described by opts, or Nop when auditing is disabled.
func Open(opts Options) (Sink, error) {
	if !opts.Enabled {
		return Nop{}, nil
	}
	switch opts.Backend {
	case "", BackendFile:
		s, err := NewFileSink(opts.Path)
		if err != nil {
			return nil, err
		}
		if opts.MaxSizeMB > 0 {
			s.SetMaxSize(int64(opts.MaxSizeMB) * 1024 * 1024)
		}
		return s, nil
	case BackendSQLite:
		return NewSQLiteSink(opts.Path)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", opts.Backend)
	}
}

// stamp fills in the timestamp if the caller left it zero.
func stamp(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}
