package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// SeverityFile is the severity rules file inside the config directory.
const SeverityFile = "severity.yaml"

// WatchTargets holds callbacks fired when files in the config directory
// change. `qmsledger serve` sets them at startup so rule edits made with
// `qmsledger rules add` or by hand take effect without a restart.
type WatchTargets struct {
	// OnSeverityChange fires when severity.yaml is written or created.
	// `qmsledger serve` reloads the severity engine from it.
	OnSeverityChange func()
}

// Watcher monitors the config directory with fsnotify and fires the
// matching WatchTargets callback when a watched file is written.
//
// Events are handled on one background goroutine, so callbacks never run
// concurrently with each other. Call Close to stop it.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher starts watching dir and dispatching to targets in a
// background goroutine.
//
// The directory is watched rather than the file itself. Editors often
// replace severity.yaml, and a watch on the old inode would then go quiet;
// the file may also not exist yet when serve starts.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(targets)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

// processEvents dispatches fsnotify events until Close or until fsnotify
// closes its channels.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only writes and creates matter. Editors often replace the
			// file, which shows up as Create; Remove and Rename leave the
			// engine on its last good rules.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// A single save can fire several events. Reload is idempotent,
			// so each one simply re-reads the file.
			if filepath.Base(event.Name) == SeverityFile {
				slog.Info("severity.yaml changed, triggering reload")
				if targets.OnSeverityChange != nil {
					targets.OnSeverityChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// Errors such as queue overflow are logged; the watch stays up.
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the event goroutine and releases the fsnotify watcher.
// Safe to call more than once.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		// Already closed.
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
