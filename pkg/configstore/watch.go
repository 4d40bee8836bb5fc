package configstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounceDuration coalesces the burst of events an editor produces on save.
const debounceDuration = 100 * time.Millisecond

// Watch reloads the document whenever the file changes on disk and calls
// onChange after each reload that changed its content. Writes made through
// the Store itself do not trigger onChange. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, log logrus.FieldLogger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic replacement swaps the file's inode.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	debounce := newDebounceTimer()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			resetDebounceTimer(debounce)

		case <-debounce.C:
			changed, err := s.Reload()
			if err != nil {
				log.WithError(err).Warn("config reload failed, keeping previous document")
				continue
			}
			if changed {
				log.WithField("path", s.path).Info("bot config reloaded")
				onChange()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher error")
		}
	}
}

// newDebounceTimer creates a stopped timer.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

// resetDebounceTimer restarts the debounce window.
func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
