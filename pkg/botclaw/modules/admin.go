package modules

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
)

func claimAdmin(c *agent.Context, _ *agent.Match) error {
	ok, err := c.Auth.ClaimAdmin(c.Context())
	if err != nil {
		return err
	}
	if !ok {
		return c.Reply("An admin already exists.")
	}
	return c.Reply("You are now the admin.")
}

// registrationPattern is the argument syntax of !allow and !deny.
const registrationPattern = `(user|group)\s+(\S+)\s*$`

func register(c *agent.Context, _ *agent.Match) error {
	ok, err := c.Auth.Register(c.Context())
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return c.Reply("Register from a group the bot is allowed in.")
	case err != nil:
		return err
	case !ok:
		return c.Reply("You are already registered.")
	}
	return c.Reply("Registered.")
}

// setRegistration allows or denies the user or group named by the match.
func setRegistration(allow bool) agent.Handler {
	verb := "denied"
	if allow {
		verb = "allowed"
	}
	return func(c *agent.Context, m *agent.Match) error {
		kind := m.Arg(0)
		if kind == "group" {
			g, err := c.Auth.SetGroupRegistered(c.Context(), m.Arg(1), allow)
			if err != nil {
				return answer(c, err)
			}
			return c.Replyf("group %s %s.", g.ExternalID, verb)
		}
		u, err := lookup(c, m.Arg(1))
		if err != nil {
			return answer(c, err)
		}
		if err := c.Auth.SetRegistered(c.Context(), u.ID, allow); err != nil {
			return answer(c, err)
		}
		return c.Replyf("user %s %s.", u.ExternalID, verb)
	}
}

func grant(c *agent.Context, m *agent.Match) error {
	role, perm := strings.ToLower(m.Arg(0)), strings.ToLower(m.Arg(1))
	if err := c.Auth.Grant(c.Context(), role, perm); err != nil {
		return answer(c, err)
	}
	return c.Replyf("%s now grants %s.", role, perm)
}

func ungrant(c *agent.Context, m *agent.Match) error {
	role, perm := strings.ToLower(m.Arg(0)), strings.ToLower(m.Arg(1))
	removed, err := c.Auth.Ungrant(c.Context(), role, perm)
	if err != nil {
		return answer(c, err)
	}
	if !removed {
		return c.Replyf("%s does not grant %s.", role, perm)
	}
	return c.Replyf("%s no longer grants %s.", role, perm)
}

// lookup resolves a user argument through the caller's capability.
func lookup(c *agent.Context, arg string) (*auth.User, error) {
	ext := userArg(arg)
	if ext == "" {
		return nil, fmt.Errorf("empty user: %w", auth.ErrNotFound)
	}
	return c.Auth.Lookup(c.Context(), ext)
}

// answer replies with err when it is an expected refusal, and returns it
// as a fault otherwise.
func answer(c *agent.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrForbidden):
		return c.Reply("Not allowed.")
	case expected(err):
		return c.Reply(err.Error())
	}
	return err
}

func assignRole(c *agent.Context, m *agent.Match) error {
	u, err := lookup(c, m.Arg(0))
	if err != nil {
		return answer(c, err)
	}
	role := strings.ToLower(m.Arg(1))
	if m.Arg(2) != "" {
		if err := c.Auth.AssignGlobal(c.Context(), u.ID, role); err != nil {
			return answer(c, err)
		}
		return c.Replyf("%s is now %s everywhere.", u.ExternalID, role)
	}
	if err := c.Auth.Assign(c.Context(), u.ID, role); err != nil {
		return answer(c, err)
	}
	return c.Replyf("%s is now %s here.", u.ExternalID, role)
}

func revokeRole(c *agent.Context, m *agent.Match) error {
	u, err := lookup(c, m.Arg(0))
	if err != nil {
		return answer(c, err)
	}
	removed, err := c.Auth.Revoke(c.Context(), u.ID)
	if err != nil {
		return answer(c, err)
	}
	if !removed {
		return c.Replyf("%s has no role here.", u.ExternalID)
	}
	return c.Replyf("Role of %s revoked.", u.ExternalID)
}

func ban(c *agent.Context, m *agent.Match) error {
	minutes, err := strconv.Atoi(m.Arg(1))
	if err != nil || minutes <= 0 {
		return c.Reply("Ban length must be a positive number of minutes.")
	}
	u, err := lookup(c, m.Arg(0))
	if err != nil {
		return answer(c, err)
	}
	until := c.Time.Add(time.Duration(minutes) * time.Minute)
	if err := c.Auth.Ban(c.Context(), u.ID, until); err != nil {
		return answer(c, err)
	}
	return c.Replyf("%s banned until %s.", u.ExternalID, until.UTC().Format(time.RFC3339))
}

func unban(c *agent.Context, m *agent.Match) error {
	u, err := lookup(c, m.Arg(0))
	if err != nil {
		return answer(c, err)
	}
	if err := c.Auth.Unban(c.Context(), u.ID); err != nil {
		return answer(c, err)
	}
	return c.Replyf("%s unbanned.", u.ExternalID)
}

func notify(c *agent.Context, m *agent.Match) error {
	on := strings.EqualFold(m.Arg(0), "on")
	if err := c.Auth.SetErrorNotify(c.Context(), on); err != nil {
		return answer(c, err)
	}
	if on {
		return c.Reply("Fault notifications on.")
	}
	return c.Reply("Fault notifications off.")
}

func (b *Builtins) loglevel(c *agent.Context, m *agent.Match) error {
	if b.deps.Level == nil {
		return c.Reply("The log level is fixed.")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(m.Arg(0))); err != nil {
		return c.Reply(err.Error())
	}
	b.deps.Level.Set(level)
	c.Logger.Info("log level changed", "level", level.String())
	return c.Replyf("Log level set to %s.", strings.ToLower(level.String()))
}

func reload(c *agent.Context, m *agent.Match) error {
	a := c.Agent()
	names := a.Sources()
	if m.Rest != "" {
		names = []string{m.Rest}
	}

	var lines []string
	for _, name := range names {
		n, err := a.ReloadByName(c.Context(), name)
		if errors.Is(err, agent.ErrUnknownSource) {
			lines = append(lines, fmt.Sprintf("%s: unknown source", name))
			continue
		}
		if err != nil {
			lines = append(lines, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %d commands", name, n))
	}
	if len(lines) == 0 {
		return c.Reply("No module sources.")
	}
	return c.Reply(strings.Join(lines, "\n"))
}
