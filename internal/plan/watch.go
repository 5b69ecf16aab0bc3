package plan

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Napageneral/rolodex/internal/logging"
)

// DefaultDebounce coalesces the burst of events an editor emits per save.
const DefaultDebounce = 500 * time.Millisecond

// Watch calls fn with the freshly loaded plan every time the file at path is
// written or replaced, until ctx is done. Calls to fn never overlap. The
// parent directory is watched so atomic rename-over saves are seen.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, fn func(*Plan, error)) error {
	logger = logging.OrDiscard(logger)
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Info("watching plan", "path", abs, "debounce", debounce)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case <-timer.C:
			fn(Load(abs))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
		}
	}
}
