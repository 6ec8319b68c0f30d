package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(*Config)

// Watcher re-reads a config file when it changes on disk, so template
// and profile edits take effect without a restart. A reload that fails
// parsing or validation keeps the previous configuration.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload ReloadFunc
	logger   *slog.Logger

	// DebounceDelay is how long to wait for more writes before reloading
	debounce time.Duration
}

// NewWatcher creates a watcher over one config file path.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:     path,
		watcher:  fsw,
		onReload: onReload,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}, nil
}

// Start begins watching. Editors often replace the file rather than
// writing in place, so the parent directory is watched and events are
// filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started", "path", w.path)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles fsnotify events with debouncing
func (w *Watcher) processEvents(ctx context.Context) {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.logger.Debug("Config change detected", "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

// reload re-reads the file and hands the result to the callback.
func (w *Watcher) reload() {
	config, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous",
			"path", w.path,
			"error", err)
		return
	}
	if err := config.Validate(); err != nil {
		w.logger.Warn("Reloaded config is invalid, keeping previous",
			"path", w.path,
			"error", err)
		return
	}

	w.logger.Info("Config reloaded", "path", w.path)
	w.onReload(config)
}
