package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc reloads whatever lives at path.
type ReloadFunc func(path string) error

// Reloader watches policy and pattern files for changes and triggers
// hot-reload. It watches the parent directories so that editors which
// replace files by rename are picked up.
type Reloader struct {
	watcher  *fsnotify.Watcher
	reload   ReloadFunc
	paths    map[string]bool
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
}

// NewReloader creates a file watcher for the given paths. Empty and
// missing paths are skipped.
func NewReloader(paths []string, reload ReloadFunc, logger *zap.Logger) (*Reloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	r := &Reloader{
		watcher:  watcher,
		reload:   reload,
		paths:    make(map[string]bool),
		debounce: 500 * time.Millisecond,
		logger:   logger,
		pending:  make(map[string]bool),
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		r.paths[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
		dirs[dir] = true
	}
	return r, nil
}

// Watched returns the number of watched files.
func (r *Reloader) Watched() int { return len(r.paths) }

// Run watches for file changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if r.timer != nil {
				r.timer.Stop()
			}
			r.mu.Unlock()
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !r.paths[abs] {
				continue
			}
			r.schedule(abs)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// schedule waits for writes to settle before reloading every touched path.
func (r *Reloader) schedule(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[path] = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.flush)
}

func (r *Reloader) flush() {
	r.mu.Lock()
	paths := make([]string, 0, len(r.pending))
	for p := range r.pending {
		paths = append(paths, p)
	}
	r.pending = make(map[string]bool)
	r.mu.Unlock()

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := r.reload(p); err != nil {
			r.logger.Error("hot-reload failed", zap.String("path", p), zap.Error(err))
			continue
		}
		r.logger.Info("hot-reload applied", zap.String("path", p))
	}
}
