// Package watch triggers rebuilds on build-context changes. Events are
// debounced so one save burst produces one rebuild.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"stowage/internal/logging"
)

// DefaultDebounce is how long after the last event a rebuild fires.
const DefaultDebounce = 500 * time.Millisecond

// skippedDirs are never watched; their churn is not application source.
var skippedDirs = map[string]bool{
	".git":        true,
	"__pycache__": true,
	".venv":       true,
	"venv":        true,
	".tox":        true,
}

// Watcher watches a build context recursively and invokes a callback after
// changes settle.
type Watcher struct {
	Logger *slog.Logger
	// Debounce overrides DefaultDebounce.
	Debounce time.Duration
}

// Watch blocks until the context is done, calling onChange after each
// debounced burst of filesystem events under dir. A failing callback is
// logged and watching continues.
func (w *Watcher) Watch(ctx context.Context, dir string, onChange func(context.Context) error) error {
	logger := logging.Ensure(w.Logger)

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer notifier.Close()

	if err := addTree(notifier, dir); err != nil {
		return err
	}
	logger.Info("watching for changes", "dir", dir)

	debounce := w.Debounce
	if debounce == 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if skippedDirs[filepath.Base(event.Name)] {
				continue
			}
			// New directories need their own watch to see files created
			// inside them later.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(notifier, event.Name); err != nil {
						logger.Warn("failed to watch new directory", "dir", event.Name, "error", err)
					}
				}
			}
			logger.Debug("change detected", "path", event.Name, "op", event.Op.String())
			timer.Reset(debounce)

		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)

		case <-timer.C:
			if err := onChange(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error("rebuild failed", "error", err)
			}
		}
	}
}

func addTree(notifier *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skippedDirs[d.Name()] {
			return fs.SkipDir
		}
		if err := notifier.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
