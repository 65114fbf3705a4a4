package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
)

// DefaultSymbol prefixes command names when a command sets none.
const DefaultSymbol = "."

// Handler runs a matched command. A returned error or a panic unloads the
// command.
type Handler func(c *Context, m *Match) error

// Command is a routable unit: an event filter, a trigger, a permission
// requirement and a handler.
type Command struct {
	// Event is the post type the command reacts to. Defaults to message.
	Event channels.PostType

	// Name is the registry key and the word following the symbol.
	Name string

	// Aliases are alternative trigger words.
	Aliases []string

	// Pattern is a regular expression applied after the name. Its capture
	// groups become Match.Args. Without a pattern, the whole remainder of
	// the line is Args[0].
	Pattern string

	// Symbol precedes the name. Defaults to DefaultSymbol.
	Symbol string

	// Permission gates the handler. The zero value requires chat.
	Permission auth.PermissionSpec

	Description string
	Handler     Handler

	// loadErr carries a problem found while building the command from a
	// source, reported when the command is loaded.
	loadErr error
}

// Match is the result of matching an event's text against a command.
type Match struct {
	// Name is the command name.
	Name string

	// Text is the full matched text.
	Text string

	// Args holds the pattern's capture groups, or the remainder of the line
	// when the command has no pattern.
	Args []string

	// Rest is the text following the trigger word, trimmed.
	Rest string
}

// Arg returns capture group i, or "" when absent.
func (m *Match) Arg(i int) string {
	if m == nil || i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// Fields splits Rest on whitespace.
func (m *Match) Fields() []string {
	if m == nil {
		return nil
	}
	return strings.Fields(m.Rest)
}

// RegistrationError reports a command that could not be loaded. It only
// affects that command.
type RegistrationError struct {
	Command string
	Err     error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register command %q: %v", e.Command, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

var validName = regexp.MustCompile(`^[\p{L}\p{N}_-]+$`)

// entry is a compiled, registered command.
type entry struct {
	cmd     Command
	source  string
	re      *regexp.Regexp
	enabled atomic.Bool
}

// compile validates cmd and builds its matcher. known, when non-nil, is the
// permission catalog the command's permission spec is checked against.
func compile(cmd Command, source string, known []string) (*entry, error) {
	fail := func(err error) (*entry, error) {
		return nil, &RegistrationError{Command: cmd.Name, Err: err}
	}
	if cmd.loadErr != nil {
		return fail(cmd.loadErr)
	}
	if cmd.Name == "" {
		return fail(errors.New("empty name"))
	}
	words := append([]string{cmd.Name}, cmd.Aliases...)
	for _, w := range words {
		if !validName.MatchString(w) {
			return fail(fmt.Errorf("invalid trigger word %q", w))
		}
	}
	if cmd.Handler == nil {
		return fail(errors.New("no handler"))
	}
	if cmd.Event == "" {
		cmd.Event = channels.PostMessage
	}
	if cmd.Event != channels.PostMessage && cmd.Event != channels.PostNotice {
		return fail(fmt.Errorf("unknown event type %q", cmd.Event))
	}
	if cmd.Symbol == "" {
		cmd.Symbol = DefaultSymbol
	}
	if strings.ContainsAny(cmd.Symbol, " \t\r\n") {
		return fail(fmt.Errorf("symbol %q contains whitespace", cmd.Symbol))
	}
	if err := cmd.Permission.Validate(known); err != nil {
		return fail(err)
	}

	re, err := buildMatcher(cmd.Symbol, words, cmd.Pattern)
	if err != nil {
		return fail(err)
	}
	e := &entry{cmd: cmd, source: source, re: re}
	e.enabled.Store(true)
	return e, nil
}

// buildMatcher returns the anchored expression for symbol + trigger word +
// pattern. With a pattern the remainder must start the pattern after
// optional whitespace, so ".r20" matches name "r" with pattern `(\d+)` but
// ".roll20" does not. Without a pattern the word must end the line or be
// followed by whitespace.
func buildMatcher(symbol string, words []string, pattern string) (*regexp.Regexp, error) {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	head := `(?is)^` + regexp.QuoteMeta(symbol) + `(?:` + strings.Join(quoted, "|") + `)`

	var expr string
	if pattern == "" {
		expr = head + `(?:\s+(.*))?$`
	} else {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("bad pattern: %w", err)
		}
		expr = head + `\s*(?:` + pattern + `)`
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("bad pattern: %w", err)
	}
	return re, nil
}

// match applies the matcher to an event. Notice events match without text.
func (e *entry) match(ev *channels.Event, text string, hasText bool) (*Match, bool) {
	if e.cmd.Event != ev.PostType {
		return nil, false
	}
	if ev.PostType != channels.PostMessage {
		return nil, true
	}
	if !hasText {
		return nil, false
	}
	loc := e.re.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, false
	}

	m := &Match{Name: e.cmd.Name, Text: text[loc[0]:loc[1]]}
	for i := 1; i < len(loc)/2; i++ {
		if loc[2*i] < 0 {
			m.Args = append(m.Args, "")
			continue
		}
		m.Args = append(m.Args, text[loc[2*i]:loc[2*i+1]])
	}

	head := e.headLen(text)
	m.Rest = strings.TrimSpace(text[head:])
	return m, true
}

// headLen returns the length of symbol + trigger word at the start of text.
func (e *entry) headLen(text string) int {
	n := len(e.cmd.Symbol)
	best := 0
	for _, w := range append([]string{e.cmd.Name}, e.cmd.Aliases...) {
		if len(w) > best && len(text) >= n+len(w) && strings.EqualFold(text[n:n+len(w)], w) {
			best = len(w)
		}
	}
	return n + best
}

// eventText extracts the matchable text of a message event: the first
// segment, which must be text. Events without segments use RawText.
func eventText(ev *channels.Event) (string, bool) {
	if len(ev.Message) == 0 {
		return ev.RawText, ev.RawText != ""
	}
	first := ev.Message[0]
	if first.Type != "text" {
		return "", false
	}
	return first.Data["text"], true
}
