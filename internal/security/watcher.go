// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jeranaias/paylink/internal/logging"
)

// DefaultWatchDebounce collapses the burst of events an atomic replace produces.
const DefaultWatchDebounce = 250 * time.Millisecond

// Reloader is anything holding state derived from the keystore file.
// *ContextFactory satisfies it.
type Reloader interface {
	Reload() error
}

// =============================================================================
// KEYSTORE WATCHER
// =============================================================================

// KeyStoreWatcher reloads a TLS context when the keystore file changes. A
// failed reload leaves the previous context in place.
//
// The parent directory is watched rather than the file itself, so atomic
// rename-over replacements are seen and the watch survives them.
type KeyStoreWatcher struct {
	path     string
	target   Reloader
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending time.Time // zero when nothing is pending
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption configures a KeyStoreWatcher.
type WatcherOption func(*KeyStoreWatcher)

// WithDebounce sets the quiet period before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *KeyStoreWatcher) {
		w.debounce = d
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *KeyStoreWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewKeyStoreWatcher creates a watcher for path. Call Watch to start it.
func NewKeyStoreWatcher(path string, target Reloader, opts ...WatcherOption) (*KeyStoreWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve keystore path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &KeyStoreWatcher{
		path:     abs,
		target:   target,
		debounce: DefaultWatchDebounce,
		logger:   logging.Discard(),
		watcher:  fw,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.debounce < 10*time.Millisecond {
		w.debounce = 10 * time.Millisecond
	}
	return w, nil
}

// Watch starts watching. It returns once the watch is registered.
func (w *KeyStoreWatcher) Watch() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch keystore directory: %w", err)
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.run()
	return nil
}

func (w *KeyStoreWatcher) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("keystore watcher error", "error", err)

		case <-ticker.C:
			w.mu.Lock()
			fire := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if fire {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if fire {
				w.logger.Info("keystore changed, reloading tls context", "path", w.path)
				if err := w.target.Reload(); err != nil {
					w.logger.Warn("keystore reload failed", "path", w.path, "error", err)
				}
			}
		}
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *KeyStoreWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
	return err
}
