package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
	"github.com/jholhewres/botclaw/pkg/botclaw/session"
)

// Context is what a handler sees of one dispatched event: the resolved
// identity, a capability into authorization narrowed to the caller's tier,
// a session handle bound to the caller, and the outbound operations.
type Context struct {
	ctx context.Context

	Event *channels.Event
	Self  string
	User  *auth.User
	Group *auth.Group
	Scope *auth.Scope
	Time  time.Time

	Auth     auth.Capability
	Sessions *Sessions
	Logger   *slog.Logger

	agent *Agent
	out   channels.Outbound
	entry *entry
}

// Context returns the dispatch context.
func (c *Context) Context() context.Context { return c.ctx }

// Reply answers the event.
func (c *Context) Reply(text string) error {
	return c.out.Reply(c.ctx, c.Event.Target(), text)
}

// Replyf formats and answers the event.
func (c *Context) Replyf(format string, args ...any) error {
	return c.Reply(fmt.Sprintf(format, args...))
}

// Notify sends text to the users who asked for fault notifications and
// hold moderate in this scope or globally.
func (c *Context) Notify(text string) error {
	return c.agent.notify(c.ctx, c.out, c.Event, c.Scope, text)
}

// Poke nudges the sender.
func (c *Context) Poke() error {
	return c.out.Poke(c.ctx, c.Event.Target())
}

// Unload removes the running command from the registry. The current
// invocation still completes.
func (c *Context) Unload() bool {
	if c.entry == nil {
		return false
	}
	return c.agent.registry.unloadEntry(c.entry)
}

// Commands lists the enabled commands reacting to post type t that the
// caller may run, in registration order.
func (c *Context) Commands(t channels.PostType) ([]Info, error) {
	var p *auth.Principal
	if c.User != nil {
		p = &auth.Principal{User: c.User, Group: c.Group, Scope: c.Scope}
	}
	var out []Info
	for _, e := range c.agent.registry.snapshot() {
		if !e.enabled.Load() || e.cmd.Event != t {
			continue
		}
		ok, err := c.agent.permitted(c.ctx, p, e.cmd.Permission)
		if err != nil {
			return nil, fmt.Errorf("check permission for %s: %w", e.cmd.Name, err)
		}
		if ok {
			out = append(out, e.info())
		}
	}
	return out, nil
}

// Agent exposes module management to administrative handlers.
func (c *Context) Agent() *Agent { return c.agent }

// Sessions is a session handle bound to one user and scope.
type Sessions struct {
	m       *session.Manager
	userID  int64
	scopeID int64
}

func (s *Sessions) ident(topic string) session.Identifier {
	return session.Identifier{Topic: topic, UserID: s.userID, ScopeID: s.scopeID}
}

// Find returns the caller's live session for topic, or nil.
func (s *Sessions) Find(ctx context.Context, topic string) (*session.Session, error) {
	return s.m.FindParticipantSession(ctx, s.ident(topic))
}

// GetOrCreate returns the caller's session for topic, creating it with ttl.
func (s *Sessions) GetOrCreate(ctx context.Context, topic string, ttl time.Duration) (*session.Session, error) {
	return s.m.GetOrCreate(ctx, s.ident(topic), session.Options{TTL: ttl})
}

// Create starts a session for topic; it fails if one is live.
func (s *Sessions) Create(ctx context.Context, topic string, ttl time.Duration) (*session.Session, error) {
	return s.m.Create(ctx, s.ident(topic), session.Options{TTL: ttl})
}

// End deletes a session the caller owns.
func (s *Sessions) End(ctx context.Context, id string) error {
	return s.m.End(ctx, id, s.userID)
}

// Touch marks the session and the caller active.
func (s *Sessions) Touch(ctx context.Context, id string) error {
	return s.m.Touch(ctx, id, s.userID)
}

// GetVariable returns a session variable.
func (s *Sessions) GetVariable(ctx context.Context, id, key string) (any, error) {
	return s.m.GetVariable(ctx, id, key)
}

// GetVariableInto decodes a session variable into dst.
func (s *Sessions) GetVariableInto(ctx context.Context, id, key string, dst any) (bool, error) {
	return s.m.GetVariableInto(ctx, id, key, dst)
}

// SetVariable stores a session variable.
func (s *Sessions) SetVariable(ctx context.Context, id, key string, value any) error {
	return s.m.SetVariable(ctx, id, key, value)
}

// DeleteVariable removes a session variable.
func (s *Sessions) DeleteVariable(ctx context.Context, id, key string) (bool, error) {
	return s.m.DeleteVariable(ctx, id, key)
}
