package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses the bursts of events one Put or Release produces.
const watchDebounce = 50 * time.Millisecond

// Watch keeps the in-memory table in step with the directory until ctx is
// done. onChange, when set, runs after every refresh the watcher triggers.
func (r *Registry) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read registry directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			_ = w.Add(filepath.Join(r.dir, e.Name()))
		}
	}

	refresh := func() {
		if err := r.Refresh(); err != nil {
			r.logger.Warn("registry refresh failed", "error", err)
			return
		}
		if onChange != nil {
			onChange()
		}
	}
	// Anything written before the watches were in place.
	refresh()

	debounce := time.NewTimer(0)
	<-debounce.C

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(event.Name)
			if base == lockFileName || strings.HasPrefix(base, ".registry-write-") {
				continue
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := w.Add(event.Name); err != nil {
						r.logger.Debug("watch instance directory failed", "path", event.Name, "error", err)
					}
				}
			}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			refresh()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("registry watcher error", "error", err)
		}
	}
}
