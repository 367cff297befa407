package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/signalsfoundry/crosspoint-router/internal/logging"
)

// Watcher calls a reload function after a file changes. Bursts of events
// (editors often write, chmod and rename in quick succession) collapse
// into one reload once the file has been quiet for the debounce interval.
type Watcher struct {
	path     string
	debounce time.Duration
	reload   func(ctx context.Context) error
	log      logging.Logger
	clock    clock.Clock

	ready chan struct{}

	mu    sync.Mutex
	timer *clock.Timer
}

// WatcherOption customises a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the structured logger.
func WithWatcherLogger(log logging.Logger) WatcherOption {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// WithWatcherClock replaces the wall clock used for debouncing.
func WithWatcherClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) {
		if c != nil {
			w.clock = c
		}
	}
}

// NewWatcher creates a watcher for path. reload runs on the debounce timer
// goroutine, never concurrently with itself.
func NewWatcher(path string, debounce time.Duration, reload func(ctx context.Context) error, opts ...WatcherOption) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		reload:   reload,
		log:      logging.Noop(),
		clock:    clock.New(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. The parent directory is watched
// rather than the file so that atomic replace-by-rename is seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.log.Info(ctx, "watching topology file", logging.String("path", w.path))
	close(w.ready)

	var reloading sync.Mutex
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !relevant(ev.Op) {
				continue
			}
			w.schedule(func() {
				reloading.Lock()
				defer reloading.Unlock()
				if ctx.Err() != nil {
					return
				}
				if err := w.reload(ctx); err != nil {
					w.log.Warn(ctx, "topology reload failed", logging.String("path", w.path), logging.Err(err))
					return
				}
				w.log.Info(ctx, "topology reloaded", logging.String("path", w.path))
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn(ctx, "file watcher error", logging.Err(err))
		}
	}
}

// Ready is closed once Run has registered the watch.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Write) || op.Has(fsnotify.Create) || op.Has(fsnotify.Rename)
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.debounce, fn)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
