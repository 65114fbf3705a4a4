package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/chzyer/readline"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
)

type scriptedReader struct {
	lines []string
	errs  []error
}

func (s *scriptedReader) Readline() (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line, err := s.lines[0], s.errs[0]
	s.lines, s.errs = s.lines[1:], s.errs[1:]
	return line, err
}

func (s *scriptedReader) Close() error { return nil }

func newScripted(t *testing.T, cfg Config, r *scriptedReader) (*Console, *bytes.Buffer) {
	t.Helper()
	c := New(cfg, nil)
	var out bytes.Buffer
	c.out = &out
	c.newReader = func(Config) (lineReader, error) { return r, nil }
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, &out
}

func collect(t *testing.T, c *Console) []*channels.Event {
	t.Helper()
	var got []*channels.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Receive():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for console to finish")
		}
	}
}

func TestConsole_ReadsLines(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GroupID = "lab"
	r := &scriptedReader{
		lines: []string{".r20", "  ", "partial", "#uclist"},
		errs:  []error{nil, nil, readline.ErrInterrupt, nil},
	}
	c, _ := newScripted(t, cfg, r)

	got := collect(t, c)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Text() != ".r20" || got[1].Text() != "#uclist" {
		t.Errorf("texts = %q, %q", got[0].Text(), got[1].Text())
	}
	if got[0].UserID != "console" || got[0].GroupID != "lab" || got[0].Channel != "console" {
		t.Errorf("event = %+v", got[0])
	}
	if got[0].MessageID == got[1].MessageID {
		t.Error("message ids should differ")
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after EOF")
	}
	if c.IsConnected() {
		t.Error("still connected after EOF")
	}
}

func TestConsole_InterruptOnEmptyLineExits(t *testing.T) {
	r := &scriptedReader{
		lines: []string{"", "never"},
		errs:  []error{readline.ErrInterrupt, nil},
	}
	c, _ := newScripted(t, DefaultConfig(), r)
	if got := collect(t, c); len(got) != 0 {
		t.Errorf("got %d events after interrupt", len(got))
	}
}

func TestConsole_Send(t *testing.T) {
	c := New(DefaultConfig(), nil)
	var out bytes.Buffer
	c.out = &out

	if err := c.Send(context.Background(), channels.Target{UserID: "console"}, "rolled 7"); err != nil {
		t.Fatal(err)
	}
	if err := c.Poke(context.Background(), channels.Target{UserID: "console"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "rolled 7") || !strings.Contains(out.String(), "*poke* console") {
		t.Errorf("output = %q", out.String())
	}
}
