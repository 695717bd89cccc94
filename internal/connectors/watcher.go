package connectors

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// SecurityWatcher watches the security dir (policy, bindings, pairing files)
// and flags changes. The runtime consumes the flag at cycle boundaries, so a
// mid-cycle edit never mixes two config snapshots.
type SecurityWatcher struct {
	watcher *fsnotify.Watcher
	log     *slog.Logger
	dirty   atomic.Bool
	done    chan struct{}
}

// NewSecurityWatcher starts watching dir. The first snapshot is always
// loaded, so the watcher starts clean.
func NewSecurityWatcher(dir string, log *slog.Logger) (*SecurityWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create security watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch security dir %s: %w", dir, err)
	}
	w := &SecurityWatcher{watcher: fw, log: log, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *SecurityWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.log.Info("security config changed", "file", event.Name, "op", event.Op.String())
				w.dirty.Store(true)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("security watcher error", "error", err)
		}
	}
}

// ConsumeDirty reports and clears the pending-change flag.
func (w *SecurityWatcher) ConsumeDirty() bool {
	return w.dirty.Swap(false)
}

// Close stops the watcher.
func (w *SecurityWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
