package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses bursts of writes, such as a checkpoint being
// saved in chunks, into one trigger.
const DefaultDebounce = 500 * time.Millisecond

// Watcher calls onChange after a file is written or replaced.
type Watcher struct {
	path     string
	onChange func()
	debounce time.Duration
	mu       sync.Mutex // serializes onChange
	triggers atomic.Uint32
}

// New creates a watcher for path.
func New(path string, onChange func()) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: DefaultDebounce,
	}
}

// WithDebounce overrides the debounce delay.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Run watches until ctx is done. The parent directory is watched so that
// editors and exporters that replace the file by rename are seen too.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch: failed to watch %s: %w", dir, err)
	}

	slog.Info("Watching checkpoint for changes", "path", w.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != w.path || (!event.Has(fsnotify.Write) && !event.Has(fsnotify.Create)) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.trigger)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			slog.Error("Watcher error", "error", err)
		}
	}
}

// trigger runs the callback.
func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()

	count := w.triggers.Add(1)
	slog.Info("Checkpoint changed", "path", w.path, "count", count)

	w.onChange()
}

// Triggers returns the number of times onChange has been called.
func (w *Watcher) Triggers() uint32 {
	return w.triggers.Load()
}
