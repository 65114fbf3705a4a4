// Package modules holds the compiled-in chat commands:
//
//	.r <expr>                  - Roll dice, e.g. .r2d6+3 (alias .roll)
//	.hangman [end]             - Start, show or end a hangman game
//	.guess <letter|word>       - Guess in the running hangman game
//	.help                      - List the commands the caller can see
//	(poke notice)              - Poke back when the bot is poked
//	!admin                     - Claim global admin when nobody holds it
//	!register                  - Register yourself from an allowed group
//	!allow|deny user|group <id> - Allow or deny a user or group (alias add|remove)
//	!role <user> <role> [global] - Assign a role in the current or global scope
//	!unrole <user>             - Revoke a role in the current scope
//	!grant|ungrant <role> <perm> - Change what a role grants
//	!ban <user> <minutes>      - Ban a user
//	!unban <user>              - Lift a ban
//	!notify on|off             - Toggle fault notifications for yourself
//	!loglevel <level>          - Change the log level
//	!reload [source]           - Reload a module source
//	#ucon <name> [pattern] | <template>       - Create a user command
//	#ucedit <id> <name> [pattern] | <template> - Replace a user command
//	#ucoff <id>                - Disable a user command
//	#ucinspect <id>            - Show a user command
//	#uclist [user]             - List user commands by author
//
// The same handlers are exposed by name through Catalog so module files can
// bind their own triggers to them.
package modules

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
)

// SourceName is the module source name of the compiled-in commands.
const SourceName = "builtin"

// Symbol of administrative commands.
const adminSymbol = "!"

// Symbol of user command management.
const ucSymbol = "#"

// Deps are what the built-in commands operate on.
type Deps struct {
	// UserCommands backs the #uc* commands. They are not registered when nil.
	UserCommands *agent.UserCommands

	// Level is changed by !loglevel.
	Level *slog.LevelVar

	// Words is the hangman word list. Defaults to a built-in list.
	Words []string
}

// Builtins is the compiled-in module.
type Builtins struct {
	deps  Deps
	words []string

	// intn returns a number in [0, n).
	intn func(n int) int

	// sleep waits d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the module.
func New(deps Deps) *Builtins {
	words := deps.Words
	if len(words) == 0 {
		words = defaultWords
	}
	return &Builtins{deps: deps, words: words, intn: rand.IntN, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Source returns the module as a reloadable source.
func (b *Builtins) Source() agent.StaticSource {
	return agent.StaticSource{SourceName: SourceName, List: b.Commands}
}

// Commands returns a fresh list of the built-in commands.
func (b *Builtins) Commands() []agent.Command {
	cmds := []agent.Command{
		{
			Name:        "r",
			Aliases:     []string{"roll"},
			Pattern:     dicePattern,
			Permission:  auth.Require(auth.PermChat),
			Description: "roll dice, e.g. .r2d6+3",
			Handler:     b.roll,
		},
		{
			Name:        "hangman",
			Permission:  auth.Require(auth.PermChat),
			Description: "start, show or end (.hangman end) a hangman game",
			Handler:     b.hangman,
		},
		{
			Name:        "guess",
			Pattern:     `(\S+)`,
			Permission:  auth.Require(auth.PermChat),
			Description: "guess a letter or the word in hangman",
			Handler:     b.guess,
		},
		{
			Name:        "help",
			Permission:  auth.Require(auth.PermChat),
			Description: "list commands",
			Handler:     help,
		},
		{
			Name:        "heartbeat",
			Event:       channels.PostNotice,
			Permission:  auth.Require(auth.PermChat),
			Description: "poke back when poked",
			Handler:     b.heartbeat,
		},
		{
			Name:        "admin",
			Symbol:      adminSymbol,
			Permission:  auth.Anyone(),
			Description: "claim global admin when nobody holds it",
			Handler:     claimAdmin,
		},
		{
			Name:        "register",
			Symbol:      adminSymbol,
			Permission:  auth.Anyone(),
			Description: "register yourself from an allowed group",
			Handler:     register,
		},
		{
			Name:        "allow",
			Aliases:     []string{"add"},
			Symbol:      adminSymbol,
			Pattern:     registrationPattern,
			Permission:  auth.Require(auth.PermRoot),
			Description: "allow a user or group: !allow group <id>",
			Handler:     setRegistration(true),
		},
		{
			Name:        "deny",
			Aliases:     []string{"remove"},
			Symbol:      adminSymbol,
			Pattern:     registrationPattern,
			Permission:  auth.Require(auth.PermRoot),
			Description: "deny a user or group: !deny user <id>",
			Handler:     setRegistration(false),
		},
		{
			Name:        "role",
			Symbol:      adminSymbol,
			Pattern:     `(\S+)\s+(\S+)(?:\s+(global))?\s*$`,
			Permission:  auth.Require(auth.PermModerate),
			Description: "assign a role in this scope, or globally",
			Handler:     assignRole,
		},
		{
			Name:        "unrole",
			Symbol:      adminSymbol,
			Pattern:     `(\S+)\s*$`,
			Permission:  auth.Require(auth.PermModerate),
			Description: "revoke the role held in this scope",
			Handler:     revokeRole,
		},
		{
			Name:        "grant",
			Symbol:      adminSymbol,
			Pattern:     `(\S+)\s+(\S+)\s*$`,
			Permission:  auth.Require(auth.PermRoot),
			Description: "let a role grant a permission",
			Handler:     grant,
		},
		{
			Name:        "ungrant",
			Symbol:      adminSymbol,
			Pattern:     `(\S+)\s+(\S+)\s*$`,
			Permission:  auth.Require(auth.PermRoot),
			Description: "stop a role granting a permission",
			Handler:     ungrant,
		},
		{
			Name:        "ban",
			Symbol:      adminSymbol,
			Pattern:     `(\S+)\s+(\d+)\s*$`,
			Permission:  auth.Require(auth.PermModerate),
			Description: "ban a user for some minutes",
			Handler:     ban,
		},
		{
			Name:        "unban",
			Symbol:      adminSymbol,
			Pattern:     `(\S+)\s*$`,
			Permission:  auth.Require(auth.PermModerate),
			Description: "lift a ban",
			Handler:     unban,
		},
		{
			Name:        "notify",
			Symbol:      adminSymbol,
			Pattern:     `(on|off)\s*$`,
			Permission:  auth.Require(auth.PermModerate),
			Description: "toggle fault notifications",
			Handler:     notify,
		},
		{
			Name:        "loglevel",
			Symbol:      adminSymbol,
			Pattern:     `(debug|info|warn|error)\s*$`,
			Permission:  auth.Require(auth.PermRoot),
			Description: "change the log level",
			Handler:     b.loglevel,
		},
		{
			Name:        "reload",
			Symbol:      adminSymbol,
			Permission:  auth.Require(auth.PermRoot),
			Description: "reload a module source, all when omitted",
			Handler:     reload,
		},
	}
	if b.deps.UserCommands != nil {
		cmds = append(cmds, b.userCommandCommands()...)
	}
	return cmds
}

// Catalog exposes the handlers to module files.
func (b *Builtins) Catalog() agent.Catalog {
	return agent.Catalog{
		"dice":    b.roll,
		"hangman": b.hangman,
		"guess":   b.guess,
		"help":    help,
		"echo":    echo,
	}
}

func echo(c *agent.Context, m *agent.Match) error {
	if m.Rest == "" {
		return nil
	}
	return c.Reply(m.Rest)
}

func help(c *agent.Context, _ *agent.Match) error {
	cmds, err := c.Commands(channels.PostMessage)
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString("Commands:")
	for _, info := range cmds {
		sb.WriteString("\n  ")
		sb.WriteString(info.Symbol + info.Name)
		if info.Description != "" {
			sb.WriteString(" - ")
			sb.WriteString(info.Description)
		}
	}
	return c.Reply(sb.String())
}

// userArg strips platform mention markup such as <@123> or <@!123>.
func userArg(s string) string {
	s = strings.TrimPrefix(s, "<@")
	s = strings.TrimPrefix(s, "!")
	s = strings.TrimSuffix(s, ">")
	return strings.TrimPrefix(s, "@")
}

// expected reports errors that are answered to the caller rather than
// treated as handler faults.
func expected(err error) bool {
	return errors.Is(err, auth.ErrForbidden) ||
		errors.Is(err, auth.ErrUnknownRole) ||
		errors.Is(err, auth.ErrNotFound) ||
		errors.Is(err, agent.ErrUserCommandExists) ||
		errors.Is(err, agent.ErrUserCommandNotFound)
}
