package eventmap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last change before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watch reloads the map whenever the user map file changes on disk. It blocks
// until ctx is done. Bursts of changes are debounced and the map is only
// reloaded when the content fingerprint differs.
func (m *EventMap) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directory so atomic replaces and late creation are seen.
	dir := filepath.Dir(m.userPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create map dir: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	m.logger.Debug("watching event map", "path", m.userPath)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !m.isRelevant(ev) {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			m.reloadIfChanged()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("event map watcher error", "error", err)
		}
	}
}

func (m *EventMap) isRelevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(m.userPath) {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}

func (m *EventMap) reloadIfChanged() {
	stale, err := m.km.Stale()
	if err != nil {
		m.logger.Error("checking event map", "error", err)
		return
	}
	if !stale {
		return
	}
	if err := m.km.Load(); err != nil {
		m.logger.Error("reloading event map", "error", err)
		return
	}
	m.logger.Info("event map reloaded", "entries", m.km.Len(), "fingerprint", m.km.Fingerprint())
}
