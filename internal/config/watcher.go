package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"widgethost/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk and hands the
// freshly loaded Config to a callback. Rapid saves are coalesced.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Config)
	debounce time.Duration
	pending  time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewWatcher creates a watcher for the config file at path.
// The parent directory is watched so editors that replace the file are seen.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		watcher:  fw,
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.running = true
	w.mu.Unlock()
	logging.Boot("config watcher: watching %s", w.path)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.BootWarn("config watcher: close: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.BootWarn("config watcher error: %v", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		logging.BootWarn("config watcher: reload %s: %v", w.path, err)
		return
	}
	logging.Boot("config watcher: reloaded %s", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
