package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file on write and create events and
// hands each freshly parsed Config to onLoad. It does not install the new
// Config anywhere itself; what happens to it is up to onLoad.
type Watcher struct {
	path   string
	logger *slog.Logger
	onLoad func(*Config)
}

// NewWatcher creates a config file watcher. onLoad is invoked with the
// freshly parsed Config after every successful reload.
func NewWatcher(path string, onLoad func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, onLoad: onLoad, logger: logger}
}

// Watch blocks, reloading the config file on write events, until ctx is
// cancelled. A no-op if path is empty.
func (w *Watcher) Watch(ctx context.Context) error {
	if w.path == "" {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			w.onLoad(cfg)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
