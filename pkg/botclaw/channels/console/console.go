// Package console implements a local terminal channel. Each line typed at
// the prompt becomes a message event from a fixed local user, and replies
// are printed in color.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
)

// Config configures the console channel.
type Config struct {
	Prompt      string `yaml:"prompt"`
	HistoryFile string `yaml:"history_file"`

	// UserID is the external id the typed lines are attributed to.
	UserID   string `yaml:"user_id"`
	Nickname string `yaml:"nickname"`

	// GroupID makes lines group messages when set.
	GroupID string `yaml:"group_id"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Prompt:   "botclaw> ",
		UserID:   "console",
		Nickname: "console",
	}
}

// lineReader is the part of *readline.Instance the channel uses.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Console implements channels.Channel and channels.Poker.
type Console struct {
	cfg    Config
	logger *slog.Logger
	out    io.Writer

	newReader func(Config) (lineReader, error)
	reader    lineReader

	events    chan *channels.Event
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	seq       atomic.Int64

	reply *color.Color
	poke  *color.Color
}

// New creates a console channel writing to stdout.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserID == "" {
		cfg.UserID = "console"
	}
	return &Console{
		cfg:    cfg,
		logger: logger.With("component", "console"),
		out:    os.Stdout,
		newReader: func(cfg Config) (lineReader, error) {
			return readline.NewEx(&readline.Config{
				Prompt:          cfg.Prompt,
				HistoryFile:     cfg.HistoryFile,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
		},
		events: make(chan *channels.Event, 16),
		done:   make(chan struct{}),
		reply:  color.New(color.FgCyan),
		poke:   color.New(color.FgYellow, color.Bold),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect opens the prompt and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	rl, err := c.newReader(c.cfg)
	if err != nil {
		return fmt.Errorf("console: open prompt: %w", err)
	}
	c.reader = rl
	c.connected.Store(true)
	go c.readLoop(ctx)
	return nil
}

// Done is closed when the user ends input (Ctrl+D, or Ctrl+C on an empty
// line).
func (c *Console) Done() <-chan struct{} { return c.done }

func (c *Console) readLoop(ctx context.Context) {
	defer c.finish()
	for {
		line, err := c.reader.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("console: read failed", "error", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		ev := c.toEvent(line)
		c.lastMsg.Store(ev.Time)
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) finish() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		close(c.events)
	})
}

func (c *Console) toEvent(line string) *channels.Event {
	return &channels.Event{
		PostType:  channels.PostMessage,
		Channel:   "console",
		SelfID:    "botclaw",
		UserID:    c.cfg.UserID,
		GroupID:   c.cfg.GroupID,
		ChatID:    c.cfg.GroupID,
		MessageID: fmt.Sprintf("console-%d", c.seq.Add(1)),
		Message:   []channels.Segment{channels.Text(line)},
		RawText:   line,
		Time:      time.Now(),
		Sender:    channels.Sender{Nickname: c.cfg.Nickname},
	}
}

// Disconnect closes the prompt.
func (c *Console) Disconnect() error {
	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			return fmt.Errorf("console: close prompt: %w", err)
		}
	}
	c.connected.Store(false)
	return nil
}

// Send prints a reply.
func (c *Console) Send(_ context.Context, _ channels.Target, text string) error {
	_, err := c.reply.Fprintln(c.out, text)
	return err
}

// Poke prints a nudge for the user.
func (c *Console) Poke(_ context.Context, to channels.Target) error {
	_, err := c.poke.Fprintf(c.out, "*poke* %s\n", to.UserID)
	return err
}

// Receive returns the inbound event stream.
func (c *Console) Receive() <-chan *channels.Event { return c.events }

// IsConnected reports whether the prompt is open.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.connected.Load(), LastMessageAt: lastAt}
}

var (
	_ channels.Channel = (*Console)(nil)
	_ channels.Poker   = (*Console)(nil)
)
