package certificate

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/safety.filter/internal/monitoring"
)

// DefaultDebounce is how long the watcher waits after the last change to the
// certificate file before raising an availability signal.
const DefaultDebounce = 250 * time.Millisecond

// Watcher raises availability signals when the refined certificate file is
// created, written or renamed into place. It watches the parent directory so
// that atomic replace-by-rename is seen.
type Watcher struct {
	path     string
	notify   func(bool)
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher watches path and calls notify(true) after each settled change.
func NewWatcher(path string, notify func(bool), debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(filepath.Clean(path))
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		notify:   notify,
		debounce: debounce,
		watcher:  fw,
	}, nil
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			monitoring.Logf("[CertificateWatcher] watch error: %v", err)

		case <-timer.C:
			monitoring.Logf("[CertificateWatcher] %s changed", w.path)
			w.notify(true)
		}
	}
}
