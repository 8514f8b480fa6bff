// Package watch reports changes to the mirror document made on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// DocumentWatcher calls onChange after writes to the watched file settle.
// It watches the parent directory so atomic tmp+rename saves are seen.
type DocumentWatcher struct {
	path     string
	debounce time.Duration
	onChange func()
	logger   *slog.Logger
}

func NewDocumentWatcher(path string, debounce time.Duration, onChange func(), logger *slog.Logger) *DocumentWatcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DocumentWatcher{path: filepath.Clean(path), debounce: debounce, onChange: onChange, logger: logger}
}

// Run blocks until ctx is done.
func (w *DocumentWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.logger.Debug("document changed on disk", "path", w.path)
			if w.onChange != nil {
				w.onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("document watcher error", "error", err)
		}
	}
}
