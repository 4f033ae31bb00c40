// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxFileSize is the default max file size before rotation (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// =============================================================================
// FILE SINK
// =============================================================================

// FileSink appends one line per event to a 0600 file and rotates it by size.
type FileSink struct {
	path    string
	file    *os.File
	mu      sync.Mutex
	maxSize int64
	closed  bool
}

// NewFileSink opens (or creates) the audit file at path.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("audit file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileSink{
		path:    path,
		file:    file,
		maxSize: DefaultMaxFileSize,
	}, nil
}

// Record writes the event and syncs it to disk.
func (s *FileSink) Record(e Event) error {
	stamp(&e)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("audit log is closed")
	}
	// A failed rotation leaves no open file; try again on every write.
	if s.file == nil {
		if err := s.reopenLocked(); err != nil {
			return fmt.Errorf("audit log unavailable: %w", err)
		}
	}

	if err := s.checkRotationLocked(); err != nil {
		return fmt.Errorf("audit rotation failed: %w", err)
	}

	if _, err := fmt.Fprintln(s.file, e.ToLogLine()); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// SetMaxSize sets the maximum file size before rotation. Zero disables rotation.
func (s *FileSink) SetMaxSize(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = size
}

// Path returns the active audit file path.
func (s *FileSink) Path() string {
	return s.path
}

// Rotate moves the current file aside with a timestamp suffix and starts a new one.
func (s *FileSink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *FileSink) checkRotationLocked() error {
	if s.maxSize <= 0 {
		return nil
	}
	info, err := s.file.Stat()
	if err != nil {
		return nil
	}
	if info.Size() >= s.maxSize {
		return s.rotateLocked()
	}
	return nil
}

func (s *FileSink) rotateLocked() error {
	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405.000000000")
	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(s.path, ext)
	rotatedPath := fmt.Sprintf("%s_%s%s", base, timestamp, ext)

	if err := os.Rename(s.path, rotatedPath); err != nil {
		// Keep logging to the original file if the rename fails.
		rerr := fmt.Errorf("failed to rotate audit log: %w", err)
		if oerr := s.reopenLocked(); oerr != nil {
			return errors.Join(rerr, oerr)
		}
		return rerr
	}

	if err := s.reopenLocked(); err != nil {
		return fmt.Errorf("failed to create new audit log after rotation: %w", err)
	}
	return nil
}

func (s *FileSink) reopenLocked() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen audit log: %w", err)
	}
	s.file = file
	return nil
}
