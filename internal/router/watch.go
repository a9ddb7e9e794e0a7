package router

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/camino-travel/switchboard/internal/observability"
)

// Watcher hot-reloads the routing pattern file. The containing directory is
// watched rather than the file itself because editors and config rollouts
// replace files instead of writing them in place.
type Watcher struct {
	router *Router
	path   string
	logger *observability.Logger

	debounce time.Duration

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	reloaded func() // test hook, called after each successful swap
}

// NewWatcher wires pattern-file reloads into r. Start must be called to
// begin watching.
func NewWatcher(r *Router, path string, logger *observability.Logger) *Watcher {
	return &Watcher{
		router:   r,
		path:     path,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
}

// Start begins watching. Calling Start twice is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = fsw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx, fsw)
	return nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fsw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fsw != nil {
		_ = fsw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "pattern watch error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	pats, err := LoadPatternsFile(w.path)
	if err != nil {
		// Keep serving the previous set; a bad edit must not break routing.
		w.logger.Warn(ctx, "pattern reload failed, keeping previous set",
			"path", w.path, "error", err)
		return
	}
	w.router.SwapPatterns(pats)
	w.logger.Info(ctx, "routing patterns reloaded", "path", w.path)

	w.mu.Lock()
	hook := w.reloaded
	w.mu.Unlock()
	if hook != nil {
		hook()
	}
}
