// Package watch polls files and reports content changes. A file is compared
// by the SHA-256 of its contents, so touching it without writing does not
// count as a change.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"
)

// Kind is what happened to a watched file.
type Kind int

const (
	// Changed means the file was written with different content, or
	// appeared after being absent.
	Changed Kind = iota + 1

	// Removed means the file no longer exists.
	Removed
)

func (k Kind) String() string {
	switch k {
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Event is one observed change.
type Event struct {
	Path string
	Kind Kind
}

// Watcher polls a single file.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Event)
	logger   *slog.Logger

	hash   string
	exists bool
}

// New creates a watcher for path. onChange runs on the polling goroutine.
func New(path string, interval time.Duration, onChange func(Event), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		path:     path,
		interval: interval,
		onChange: onChange,
		logger:   logger.With("component", "watch", "path", path),
	}
}

// Start records the current state and polls until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.hash, w.exists = w.snapshot()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ev, ok := w.poll(); ok {
				w.logger.Debug("file event", "kind", ev.Kind)
				w.onChange(ev)
			}
		}
	}
}

// poll compares the file against the last observed state.
func (w *Watcher) poll() (Event, bool) {
	hash, exists := w.snapshot()
	defer func() { w.hash, w.exists = hash, exists }()

	switch {
	case !exists && w.exists:
		return Event{Path: w.path, Kind: Removed}, true
	case exists && (!w.exists || hash != w.hash):
		return Event{Path: w.path, Kind: Changed}, true
	}
	return Event{}, false
}

func (w *Watcher) snapshot() (string, bool) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("read watched file", "error", err)
			return w.hash, w.exists
		}
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}
