package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher re-reads the config file when it changes on disk and hands
// the review tunables to a callback. Only the review section is ever
// applied on reload; server, database and provider settings need a
// restart.
type Watcher struct {
	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	path     string // absolute path to the config file
	logger   *zap.Logger
	apply    func(ReviewConfig)
	pending  time.Time // zero when no event is waiting to settle
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	reloads  int
}

// NewWatcher prepares a watcher for the config file at path. The apply
// callback receives the validated review section after each reload.
func NewWatcher(path string, logger *zap.Logger, apply func(ReviewConfig)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	return &Watcher{
		fsw:      fsw,
		path:     abs,
		logger:   logger,
		apply:    apply,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking; events are handled on a
// goroutine until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory rather than the file: editors and config
	// management tools replace files by rename, which silently drops
	// a direct file watch.
	dir := filepath.Dir(w.path)
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("closing config watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// Rapid saves settle through the debounce window before a reload.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))
		case <-tick.C:
			w.reloadSettled()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) reloadSettled() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping current settings", zap.Error(err))
		return
	}
	if err := cfg.Review.Validate(); err != nil {
		w.logger.Warn("config reload rejected, keeping current settings", zap.Error(err))
		return
	}

	w.apply(cfg.Review)

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	w.logger.Info("review settings reloaded",
		zap.Float64("precision_threshold", cfg.Review.PrecisionThreshold),
		zap.String("depth", cfg.Review.Depth),
		zap.Int("top_k", cfg.Review.TopK))
}

// Reloads returns how many reloads have been applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}
