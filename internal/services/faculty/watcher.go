package faculty

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry whenever a faculty document changes on disk,
// so operators can route previously-unroutable work without restarting the
// daemon. Returns after ctx is cancelled.
//
// Reloads are debounced: editors produce bursts of write events for a
// single save.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return err
	}

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isFacultyFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := r.Load(); err != nil {
				r.logger.Warn().Err(err).Msg("Faculty reload failed, keeping previous registry")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Msg("Faculty watcher error")
		}
	}
}
