package config

import (
	"log/slog"
	"path/filepath"

	"chunkvault/internal/logging"
	"chunkvault/internal/shared"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file on disk and bumps a shared generation
// counter whenever it changes, so other processes sharing the
// datastore can cheaply detect a reload is needed without re-reading
// the file on every access.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	gen     *shared.GenerationFile
	stop    chan struct{}
	logger  *slog.Logger
}

// WatchFile starts watching path for writes/creates (covering both
// in-place writes and atomic rename-into-place) and bumps gen on each.
func WatchFile(path string, gen *shared.GenerationFile, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the parent directory: a rename onto path replaces the file,
	// which would end a watch placed on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: fw,
		path:    filepath.Clean(path),
		gen:     gen,
		stop:    make(chan struct{}),
		logger:  logging.Default(logger).With("component", "config-watch"),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer w.watcher.Close()
	for {
		select {
		case <-w.stop:
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			w.gen.Bump()
		}
	}
}

// Close stops the watcher goroutine and releases its inotify handle.
func (w *Watcher) Close() {
	close(w.stop)
}
