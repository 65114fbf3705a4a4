// Package agent routes inbound chat events to registered commands. It owns
// the command registry, resolves the caller's identity and permissions for
// each event, runs handlers under a fault guard that unloads a command
// whose handler fails, and reloads commands from module sources.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
	"github.com/jholhewres/botclaw/pkg/botclaw/session"
)

// Errors.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnknownSource  = errors.New("unknown module source")
)

// Config configures an Agent.
type Config struct {
	// MaxConcurrent bounds the events dispatched at once by Run.
	MaxConcurrent int `yaml:"max_concurrent"`

	// SweepSchedule is the cron schedule of the expired-session sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// Modules lists YAML module files loaded at startup.
	Modules []string `yaml:"modules"`

	// WatchInterval is how often module files are checked for changes.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 16,
		SweepSchedule: "@every 1m",
		WatchInterval: 2 * time.Second,
	}
}

// Agent dispatches events to commands.
type Agent struct {
	cfg      Config
	registry *Registry
	auth     *auth.Auth
	sessions *session.Manager
	out      channels.Outbound
	logger   *slog.Logger
	now      func() time.Time

	// permissions is the catalog command permissions are validated against.
	permissions []string

	srcMu   sync.RWMutex
	sources map[string]ModuleSource
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithPermissionCatalog makes loading a command whose permission spec names
// a permission outside known a registration error.
func WithPermissionCatalog(known []string) Option {
	return func(a *Agent) { a.permissions = known }
}

// WithConfig sets the agent configuration.
func WithConfig(cfg Config) Option {
	return func(a *Agent) { a.cfg = cfg }
}

// New creates an agent. out delivers replies; it may be replaced per
// dispatch with DispatchWith.
func New(authz *auth.Auth, sessions *session.Manager, out channels.Outbound, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")
	a := &Agent{
		cfg:      DefaultConfig(),
		registry: NewRegistry(logger),
		auth:     authz,
		sessions: sessions,
		out:      out,
		logger:   logger,
		now:      time.Now,
		sources:  make(map[string]ModuleSource),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Registry returns the command registry.
func (a *Agent) Registry() *Registry { return a.registry }

// Sessions returns the session manager.
func (a *Agent) Sessions() *session.Manager { return a.sessions }

// Load compiles and registers cmd under source, replacing any command with
// the same name.
func (a *Agent) Load(cmd Command, source string) error {
	e, err := compile(cmd, source, a.permissions)
	if err != nil {
		return err
	}
	a.registry.add(e)
	a.logger.Debug("command loaded", "command", cmd.Name, "source", source)
	return nil
}

// ---------- Module sources ----------

// Reload replaces every command of src with a freshly fetched list and
// returns how many loaded. Commands that fail to register are logged and
// skipped.
func (a *Agent) Reload(ctx context.Context, src ModuleSource) (int, error) {
	name := src.Name()
	a.srcMu.Lock()
	a.sources[name] = src
	a.srcMu.Unlock()

	removed := a.registry.UnloadSource(name)
	cmds, err := src.Commands(ctx)
	if err != nil {
		return 0, fmt.Errorf("reload %s: %w", name, err)
	}

	loaded := 0
	for _, cmd := range cmds {
		if err := a.Load(cmd, name); err != nil {
			a.logger.Warn("command skipped", "source", name, "error", err)
			continue
		}
		loaded++
	}
	a.logger.Info("module source loaded", "source", name, "commands", loaded, "replaced", removed)
	return loaded, nil
}

// ReloadByName reloads a source previously passed to Reload.
func (a *Agent) ReloadByName(ctx context.Context, name string) (int, error) {
	a.srcMu.RLock()
	src, ok := a.sources[name]
	a.srcMu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrUnknownSource)
	}
	return a.Reload(ctx, src)
}

// Unload removes every command of the named source. Unloading an unloaded
// source is a no-op.
func (a *Agent) Unload(name string) int {
	n := a.registry.UnloadSource(name)
	if n > 0 {
		a.logger.Info("module source unloaded", "source", name, "commands", n)
	}
	return n
}

// Sources lists the known module source names.
func (a *Agent) Sources() []string {
	a.srcMu.RLock()
	defer a.srcMu.RUnlock()
	names := make([]string, 0, len(a.sources))
	for name := range a.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------- Dispatch ----------

// Run dispatches events until the stream closes or ctx is done. Each event
// is handled in its own goroutine, at most MaxConcurrent at once.
func (a *Agent) Run(ctx context.Context, events <-chan *channels.Event) {
	limit := a.cfg.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := a.Dispatch(ctx, ev); err != nil {
					a.logger.Error("dispatch failed", "channel", ev.Channel, "user", ev.UserID, "error", err)
				}
			}()
		}
	}
}

// Dispatch runs every matching command for ev, in registration order,
// replying through the agent's outbound.
func (a *Agent) Dispatch(ctx context.Context, ev *channels.Event) error {
	return a.DispatchWith(ctx, ev, a.out)
}

// DispatchWith is Dispatch with replies going to out.
func (a *Agent) DispatchWith(ctx context.Context, in *channels.Event, out channels.Outbound) error {
	ev := in
	if ev.PostType == "" {
		cp := *in
		cp.PostType = channels.PostMessage
		ev = &cp
	}
	text, hasText := eventText(ev)

	var (
		principal *auth.Principal
		capab     auth.Capability
		resolved  bool
	)
	resolve := func() error {
		if resolved {
			return nil
		}
		p, err := a.auth.Resolve(ctx, auth.Identity{UserID: ev.UserID, GroupID: ev.GroupID})
		if err != nil {
			return fmt.Errorf("resolve identity: %w", err)
		}
		c, err := a.auth.CapabilityFor(ctx, p)
		if err != nil {
			return err
		}
		principal, capab, resolved = p, c, true
		return nil
	}

	for _, e := range a.registry.snapshot() {
		if !e.enabled.Load() {
			continue
		}
		m, ok := e.match(ev, text, hasText)
		if !ok {
			continue
		}
		if err := resolve(); err != nil {
			return err
		}

		c := a.newContext(ctx, ev, principal, capab, out, e)
		allowed, err := a.permitted(ctx, principal, e.cmd.Permission)
		if err != nil {
			a.logger.Error("permission check failed", "command", e.cmd.Name, "user", ev.UserID, "error", err)
			continue
		}
		if !allowed {
			a.logger.Debug("permission denied", "command", e.cmd.Name, "user", ev.UserID,
				"permission", e.cmd.Permission.String())
			continue
		}

		if err := a.invoke(c, e, m); err != nil {
			a.fault(ctx, c, e, err)
		}
	}
	return nil
}

func (a *Agent) permitted(ctx context.Context, p *auth.Principal, spec auth.PermissionSpec) (bool, error) {
	if spec.Normalize().Op == auth.SpecAny {
		return true, nil
	}
	if p == nil || p.User == nil || p.Scope == nil {
		return false, nil
	}
	return a.auth.CanSpec(ctx, p.User.ID, p.Scope.ID, spec)
}

func (a *Agent) newContext(ctx context.Context, ev *channels.Event, p *auth.Principal, capab auth.Capability, out channels.Outbound, e *entry) *Context {
	c := &Context{
		ctx:    ctx,
		Event:  ev,
		Self:   ev.SelfID,
		Time:   a.now(),
		Auth:   capab,
		Logger: a.logger.With("command", e.cmd.Name),
		agent:  a,
		out:    out,
		entry:  e,
	}
	if p != nil {
		c.User, c.Group, c.Scope = p.User, p.Group, p.Scope
		if p.User != nil && p.Scope != nil {
			c.Sessions = &Sessions{m: a.sessions, userID: p.User.ID, scopeID: p.Scope.ID}
		}
	}
	return c
}

// invoke runs the handler, turning a panic into an error.
func (a *Agent) invoke(c *Context, e *entry, m *Match) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			a.logger.Debug("handler panic", "command", e.cmd.Name, "stack", string(debug.Stack()))
		}
	}()
	return e.cmd.Handler(c, m)
}

// fault logs a failed handler, notifies moderators and unloads the command.
func (a *Agent) fault(ctx context.Context, c *Context, e *entry, cause error) {
	a.logger.Warn("command failed, unloading",
		"command", e.cmd.Name,
		"source", e.source,
		"event", c.Event.PostType,
		"error", cause,
	)
	msg := fmt.Sprintf("command %s failed and was unloaded: %v", e.cmd.Name, cause)
	if err := a.notify(ctx, c.out, c.Event, c.Scope, msg); err != nil {
		a.logger.Warn("fault notification failed", "command", e.cmd.Name, "error", err)
	}
	a.registry.unloadEntry(e)
}

// notify sends text to every error-notify moderator of scope (or global),
// through the channel the event came from.
func (a *Agent) notify(ctx context.Context, out channels.Outbound, ev *channels.Event, scope *auth.Scope, text string) error {
	var scopeID int64
	if scope != nil {
		scopeID = scope.ID
	} else {
		global, err := a.auth.GlobalScope(ctx)
		if err != nil {
			return err
		}
		scopeID = global.ID
	}
	users, err := a.auth.ErrorNotifyUsers(ctx, scopeID)
	if err != nil {
		return err
	}
	var errs []error
	for _, u := range users {
		to := channels.Target{Channel: ev.Channel, UserID: u.ExternalID}
		if err := out.Reply(ctx, to, text); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", u.ExternalID, err))
		}
	}
	return errors.Join(errs...)
}
