package ruleset

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the ruleset file on change and swaps it into the provider.
// A snapshot that fails to compile is rejected and the previous snapshot
// stays active.
type Watcher struct {
	path     string
	provider *Provider
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for the given ruleset file.
func NewWatcher(path string, provider *Provider, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		provider: provider,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
}

// Run watches until the context is cancelled. Editors replace files rather
// than writing in place, so the parent directory is watched and events are
// filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts of write events from a single save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.ErrorContext(ctx, "ruleset watcher error", "error", err)

		case <-reload:
			snap, err := Load(w.path)
			if err != nil {
				w.logger.ErrorContext(ctx, "ruleset reload rejected, keeping active snapshot",
					"path", w.path,
					"active_version", w.provider.Version(),
					"error", err,
				)
				continue
			}
			w.provider.Swap(snap)
			w.logger.InfoContext(ctx, "ruleset swapped", "version", snap.Version)
		}
	}
}
