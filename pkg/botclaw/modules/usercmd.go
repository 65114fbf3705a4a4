package modules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
)

// Definition syntax shared by #ucon and #ucedit: a name, an optional
// single-token pattern, a bar, then the reply template.
const ucDefinition = `(\S+)\s+(?:(\S+)\s+)?\|\s*(.+)`

func (b *Builtins) userCommandCommands() []agent.Command {
	perm := auth.Require(auth.PermUserCommand)
	return []agent.Command{
		{
			Name:        "ucon",
			Symbol:      ucSymbol,
			Pattern:     ucDefinition,
			Permission:  perm,
			Description: "create a user command: #ucon name [pattern] | template",
			Handler:     b.ucon,
		},
		{
			Name:        "ucedit",
			Symbol:      ucSymbol,
			Pattern:     `(\d+)\s+` + ucDefinition,
			Permission:  perm,
			Description: "replace a user command: #ucedit id name [pattern] | template",
			Handler:     b.ucedit,
		},
		{
			Name:        "ucoff",
			Symbol:      ucSymbol,
			Pattern:     `(\d+)\s*$`,
			Permission:  perm,
			Description: "disable a user command",
			Handler:     b.ucoff,
		},
		{
			Name:        "ucinspect",
			Symbol:      ucSymbol,
			Pattern:     `(\d+)\s*$`,
			Permission:  perm,
			Description: "show a user command",
			Handler:     b.ucinspect,
		},
		{
			Name:        "uclist",
			Symbol:      ucSymbol,
			Pattern:     `(\S+)?\s*$`,
			Permission:  perm,
			Description: "list user commands by author",
			Handler:     b.uclist,
		},
	}
}

// refreshUserCommands reloads the user command source so a change is live.
func refreshUserCommands(c *agent.Context) error {
	_, err := c.Agent().ReloadByName(c.Context(), agent.UserCommandSource)
	if errors.Is(err, agent.ErrUnknownSource) {
		return nil
	}
	return err
}

func (b *Builtins) ucon(c *agent.Context, m *agent.Match) error {
	name := m.Arg(0)
	if c.Agent().TakenByOtherSource(name) {
		return c.Replyf("%s is a built-in command.", name)
	}
	cmd, err := b.deps.UserCommands.Create(c.Context(), name, m.Arg(1), m.Arg(2), c.User.ID)
	if err != nil {
		return b.ucRefusal(c, err)
	}
	if err := refreshUserCommands(c); err != nil {
		return err
	}
	return c.Replyf("User command #%d %s created.", cmd.ID, cmd.Name)
}

func (b *Builtins) ucedit(c *agent.Context, m *agent.Match) error {
	cmd, err := b.ownedCommand(c, m.Arg(0))
	if err != nil || cmd == nil {
		return err
	}
	name := m.Arg(1)
	if c.Agent().TakenByOtherSource(name) {
		return c.Replyf("%s is a built-in command.", name)
	}
	cmd, err = b.deps.UserCommands.Edit(c.Context(), cmd.ID, name, m.Arg(2), m.Arg(3))
	if err != nil {
		return b.ucRefusal(c, err)
	}
	if err := refreshUserCommands(c); err != nil {
		return err
	}
	return c.Replyf("User command #%d %s updated.", cmd.ID, cmd.Name)
}

func (b *Builtins) ucoff(c *agent.Context, m *agent.Match) error {
	cmd, err := b.ownedCommand(c, m.Arg(0))
	if err != nil || cmd == nil {
		return err
	}
	if _, err := b.deps.UserCommands.SetEnabled(c.Context(), cmd.ID, false); err != nil {
		return b.ucRefusal(c, err)
	}
	if err := refreshUserCommands(c); err != nil {
		return err
	}
	return c.Replyf("User command #%d %s disabled.", cmd.ID, cmd.Name)
}

func (b *Builtins) ucinspect(c *agent.Context, m *agent.Match) error {
	id, _ := strconv.ParseInt(m.Arg(0), 10, 64)
	cmd, err := b.deps.UserCommands.Get(c.Context(), id)
	if err != nil {
		return b.ucRefusal(c, err)
	}
	state := "enabled"
	if !cmd.Enabled {
		state = "disabled"
	}
	pattern := cmd.Pattern
	if pattern == "" {
		pattern = "(none)"
	}
	return c.Replyf("#%d %s (%s)\npattern: %s\nrevision: %s\n%s",
		cmd.ID, cmd.Name, state, pattern, cmd.Revision, cmd.Content)
}

func (b *Builtins) uclist(c *agent.Context, m *agent.Match) error {
	author := c.User
	if arg := m.Arg(0); arg != "" {
		u, err := lookup(c, arg)
		if err != nil {
			return b.ucRefusal(c, err)
		}
		author = u
	}
	cmds, err := b.deps.UserCommands.ListByUser(c.Context(), author.ID)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return c.Replyf("%s has no user commands.", author.ExternalID)
	}
	lines := make([]string, len(cmds))
	for i, cmd := range cmds {
		mark := ""
		if !cmd.Enabled {
			mark = " (off)"
		}
		lines[i] = fmt.Sprintf("#%d %s%s", cmd.ID, cmd.Name, mark)
	}
	return c.Reply(strings.Join(lines, "\n"))
}

// ownedCommand loads a command the caller may change: their own, or any
// when they moderate. A refusal is answered and returns nil, nil.
func (b *Builtins) ownedCommand(c *agent.Context, arg string) (*agent.UserCommand, error) {
	id, _ := strconv.ParseInt(arg, 10, 64)
	cmd, err := b.deps.UserCommands.Get(c.Context(), id)
	if err != nil {
		return nil, b.ucRefusal(c, err)
	}
	if cmd.CreatedBy != c.User.ID && c.Auth.Tier() < auth.TierModerator {
		return nil, c.Reply("Only the author or a moderator can change this command.")
	}
	return cmd, nil
}

// ucRefusal answers validation problems and expected refusals; anything
// else is returned as a fault.
func (b *Builtins) ucRefusal(c *agent.Context, err error) error {
	var regErr *agent.RegistrationError
	if expected(err) || errors.As(err, &regErr) || errors.Is(err, agent.ErrInvalidTemplate) {
		return c.Reply(err.Error())
	}
	return err
}
