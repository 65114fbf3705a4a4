package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/config/watch"
)

// Watcher reloads the config file when its content changes.
type Watcher struct {
	w *watch.Watcher
}

// NewWatcher calls onChange with the freshly loaded config after every
// content change. Files that fail to load are logged and skipped.
func NewWatcher(path string, interval time.Duration, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config-watcher")
	return &Watcher{w: watch.New(path, interval, func(ev watch.Event) {
		if ev.Kind != watch.Changed {
			logger.Warn("config file removed, keeping current config", "path", ev.Path)
			return
		}
		cfg, err := Load(ev.Path)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.Warn("config reload failed", "path", ev.Path, "error", err)
			return
		}
		ResolveSecrets(cfg, logger)
		logger.Info("config reloaded", "path", ev.Path)
		onChange(cfg)
	}, logger)}
}

// Start polls until ctx is done.
func (w *Watcher) Start(ctx context.Context) { w.w.Start(ctx) }
