package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Reload carries a freshly loaded config, or the error that prevented
// loading it.
type Reload struct {
	Config Config
	Err    error
}

// Watcher reloads config.yaml when it changes. Settings that cannot change
// at runtime (see Fingerprint) are still reported; callers decide what to
// apply.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan Reload
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger.With("component", "config"),
		events:  make(chan Reload, 4),
	}
}

func (w *Watcher) Events() <-chan Reload {
	return w.events
}

// Start watches the home directory rather than the file so that editors
// that replace the file by rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce = time.After(reloadDebounce)
			case <-debounce:
				debounce = nil
				cfg, err := LoadFrom(w.homeDir)
				if err != nil {
					w.logger.Error("config reload failed", "error", err)
				} else {
					w.logger.Info("config reloaded", "path", target, "fingerprint", cfg.Fingerprint())
				}
				select {
				case w.events <- Reload{Config: cfg, Err: err}:
				default:
					w.logger.Warn("config reload dropped: consumer is behind")
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
