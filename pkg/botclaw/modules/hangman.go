package modules

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
	"github.com/jholhewres/botclaw/pkg/botclaw/session"
)

const (
	hangmanTopic     = "hangman"
	hangmanTTL       = 10 * time.Minute
	hangmanVar       = "game"
	hangmanMaxMisses = 6
)

var defaultWords = []string{
	"gopher", "channel", "goroutine", "session", "module", "scope",
	"permission", "registry", "template", "dispatch", "sqlite", "keyring",
}

// hangmanGame is the state kept in the session variable.
type hangmanGame struct {
	Word    string   `json:"word"`
	Guessed []string `json:"guessed"`
	Misses  int      `json:"misses"`
}

func (g *hangmanGame) masked() string {
	var sb strings.Builder
	for i, r := range g.Word {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if slices.Contains(g.Guessed, string(r)) {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func (g *hangmanGame) solved() bool {
	for _, r := range g.Word {
		if !slices.Contains(g.Guessed, string(r)) {
			return false
		}
	}
	return true
}

func (g *hangmanGame) status() string {
	s := fmt.Sprintf("%s (%d/%d misses)", g.masked(), g.Misses, hangmanMaxMisses)
	if len(g.Guessed) > 0 {
		s += " guessed: " + strings.Join(g.Guessed, ", ")
	}
	return s
}

func (b *Builtins) hangman(c *agent.Context, m *agent.Match) error {
	ctx := c.Context()
	if strings.EqualFold(m.Rest, "end") {
		s, err := c.Sessions.Find(ctx, hangmanTopic)
		if err != nil {
			return err
		}
		if s == nil {
			return c.Reply("No hangman game running.")
		}
		var g hangmanGame
		if _, err := c.Sessions.GetVariableInto(ctx, s.ID, hangmanVar, &g); err != nil {
			return err
		}
		if err := c.Sessions.End(ctx, s.ID); err != nil {
			return err
		}
		return c.Replyf("Game over. The word was %s.", g.Word)
	}

	s, err := c.Sessions.GetOrCreate(ctx, hangmanTopic, hangmanTTL)
	if err != nil {
		return err
	}
	var g hangmanGame
	found, err := c.Sessions.GetVariableInto(ctx, s.ID, hangmanVar, &g)
	if err != nil {
		return err
	}
	if found {
		return c.Reply(g.status())
	}

	g = hangmanGame{Word: b.words[b.intn(len(b.words))], Guessed: []string{}}
	if err := c.Sessions.SetVariable(ctx, s.ID, hangmanVar, g); err != nil {
		return err
	}
	return c.Replyf("Hangman started: %s. Guess with .guess <letter|word>, %d misses allowed.",
		g.masked(), hangmanMaxMisses)
}

func (b *Builtins) guess(c *agent.Context, m *agent.Match) error {
	ctx := c.Context()
	s, err := c.Sessions.Find(ctx, hangmanTopic)
	if err != nil {
		return err
	}
	if s == nil {
		return c.Reply("No hangman game running. Start one with .hangman")
	}
	var g hangmanGame
	found, err := c.Sessions.GetVariableInto(ctx, s.ID, hangmanVar, &g)
	if err != nil {
		return err
	}
	if !found {
		return c.Reply("No hangman game running. Start one with .hangman")
	}
	if err := c.Sessions.Touch(ctx, s.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}

	word := strings.ToLower(m.Arg(0))
	switch {
	case utf8.RuneCountInString(word) == 1:
		if slices.Contains(g.Guessed, word) {
			return c.Replyf("Already guessed %s. %s", word, g.status())
		}
		g.Guessed = append(g.Guessed, word)
		if !strings.Contains(g.Word, word) {
			g.Misses++
		}
	case word == g.Word:
		for _, r := range g.Word {
			if !slices.Contains(g.Guessed, string(r)) {
				g.Guessed = append(g.Guessed, string(r))
			}
		}
	default:
		g.Misses++
	}

	switch {
	case g.solved():
		if err := c.Sessions.End(ctx, s.ID); err != nil {
			return err
		}
		return c.Replyf("You win! The word was %s.", g.Word)
	case g.Misses >= hangmanMaxMisses:
		if err := c.Sessions.End(ctx, s.ID); err != nil {
			return err
		}
		return c.Replyf("You lose. The word was %s.", g.Word)
	}
	if err := c.Sessions.SetVariable(ctx, s.ID, hangmanVar, g); err != nil {
		return err
	}
	return c.Reply(g.status())
}
