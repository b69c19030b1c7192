package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the create+write+rename bursts of one atomic
// record replacement into a single notification.
const watchDebounce = 200 * time.Millisecond

// Watch calls fn with the live slots once immediately and again after every
// change to the records directory, until ctx is done.
func (r *Registry) Watch(ctx context.Context, fn func([]Slot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("registry: watching %s: %w", r.dir, err)
	}

	fn(r.List())

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !isRecordName(name) {
				continue
			}
			debounce = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("registry watcher error", "error", err)
		case <-debounce:
			debounce = nil
			fn(r.List())
		}
	}
}
