package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Reload carries a freshly loaded configuration after the file changed on disk.
type Reload struct {
	Path   string
	Config *Config
}

// Watcher observes the configuration file and reloads it on change. Invalid
// edits are logged and skipped so the previous configuration stays in effect.
type Watcher struct {
	path   string
	logger *slog.Logger
	events chan Reload
}

// NewWatcher watches the configuration file at path.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   filepath.Clean(path),
		logger: logger,
		events: make(chan Reload, 4),
	}
}

// Events delivers successful reloads. The channel closes when the watcher stops.
func (w *Watcher) Events() <-chan Reload {
	return w.events
}

// Start begins watching until ctx is cancelled. The parent directory is watched
// so editors that replace the file by rename are still observed.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
				cfg, _, exists, err := Load(w.path)
				if err != nil {
					w.logger.Warn("config reload rejected", "path", w.path, "error", err)
					continue
				}
				if !exists {
					continue
				}
				select {
				case w.events <- Reload{Path: w.path, Config: cfg}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
