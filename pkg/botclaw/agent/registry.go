package agent

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
)

// Info describes a registered command.
type Info struct {
	Name        string            `json:"name"`
	Aliases     []string          `json:"aliases,omitempty"`
	Source      string            `json:"source"`
	Event       channels.PostType `json:"event"`
	Symbol      string            `json:"symbol"`
	Pattern     string            `json:"pattern,omitempty"`
	Permission  string            `json:"permission"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
}

func (e *entry) info() Info {
	return Info{
		Name:        e.cmd.Name,
		Aliases:     e.cmd.Aliases,
		Source:      e.source,
		Event:       e.cmd.Event,
		Symbol:      e.cmd.Symbol,
		Pattern:     e.cmd.Pattern,
		Permission:  e.cmd.Permission.String(),
		Description: e.cmd.Description,
		Enabled:     e.enabled.Load(),
	}
}

func (e *entry) answersTo(word string) bool {
	return e.cmd.Name == word || slices.Contains(e.cmd.Aliases, word)
}

// Registry holds the loaded commands in registration order, unique by name.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]*entry),
		logger: logger,
	}
}

// add registers a compiled command, replacing any command with the same
// name. The new entry goes to the end of the order.
func (r *Registry) add(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byName[e.cmd.Name]; ok {
		r.removeLocked(old)
		r.logger.Debug("command replaced", "command", e.cmd.Name, "old_source", old.source, "source", e.source)
	}
	r.entries = append(r.entries, e)
	r.byName[e.cmd.Name] = e
}

func (r *Registry) removeLocked(e *entry) {
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			break
		}
	}
	if r.byName[e.cmd.Name] == e {
		delete(r.byName, e.cmd.Name)
	}
}

// Unload removes a command by name. It reports whether it was registered.
func (r *Registry) Unload(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return false
	}
	r.removeLocked(e)
	return true
}

// unloadEntry removes e only if it is still the registered instance.
func (r *Registry) unloadEntry(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName[e.cmd.Name] != e {
		return false
	}
	r.removeLocked(e)
	return true
}

// UnloadSource removes every command loaded from source and returns how
// many were removed. Unloading an empty source is a no-op.
func (r *Registry) UnloadSource(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0:0]
	removed := 0
	for _, e := range r.entries {
		if e.source == source {
			if r.byName[e.cmd.Name] == e {
				delete(r.byName, e.cmd.Name)
			}
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return removed
}

// SetEnabled toggles a command without unloading it.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("command %q: %w", name, ErrUnknownCommand)
	}
	e.enabled.Store(enabled)
	return nil
}

// Get returns a command's description.
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// List describes every command in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.info()
	}
	return out
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountSource returns how many commands source has registered.
func (r *Registry) CountSource(source string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.source == source {
			n++
		}
	}
	return n
}

// snapshot returns the current order. Later mutations do not affect it.
func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*entry(nil), r.entries...)
}
