package channels

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type stubChannel struct {
	name      string
	in        chan *Event
	connected bool
	failOpen  bool

	mu   sync.Mutex
	sent []string
}

func newStub(name string) *stubChannel {
	return &stubChannel{name: name, in: make(chan *Event, 4)}
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Connect(context.Context) error {
	if s.failOpen {
		return errors.New("boom")
	}
	s.connected = true
	return nil
}
func (s *stubChannel) Disconnect() error     { s.connected = false; return nil }
func (s *stubChannel) Receive() <-chan *Event { return s.in }
func (s *stubChannel) IsConnected() bool      { return s.connected }
func (s *stubChannel) Health() HealthStatus   { return HealthStatus{Connected: s.connected} }
func (s *stubChannel) Send(_ context.Context, to Target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to.Recipient()+":"+text)
	return nil
}

func TestEventUnmarshal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    Event
		wantErr bool
	}{
		{
			name: "native",
			in:   `{"post_type":"message","channel":"http","user_id":"alice","time":"2024-01-02T03:04:05Z","message":[{"type":"text","data":{"text":".r"}}]}`,
			want: Event{PostType: PostMessage, Channel: "http", UserID: "alice", Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), Message: []Segment{Text(".r")}},
		},
		{
			name: "onebot message",
			in:   `{"post_type":"message","time":1700000000,"self_id":10001,"user_id":123,"group_id":456,"raw_message":".r 20","message":[{"type":"at","data":{"qq":10001,"name":null}}],"sender":{"user_id":123,"nickname":"bob"}}`,
			want: Event{
				PostType: PostMessage, SelfID: "10001", UserID: "123", GroupID: "456",
				Time: time.Unix(1700000000, 0), RawText: ".r 20",
				Message: []Segment{{Type: "at", Data: map[string]string{"qq": "10001", "name": ""}}},
				Sender:  Sender{Nickname: "bob"},
			},
		},
		{
			name: "string message",
			in:   `{"user_id":"7","message":"hello"}`,
			want: Event{UserID: "7", Message: []Segment{Text("hello")}},
		},
		{
			name: "poke notice",
			in:   `{"post_type":"notice","notice_type":"notify","sub_type":"poke","self_id":1,"user_id":2,"target_id":1}`,
			want: Event{PostType: PostNotice, NoticeType: "notify", SubType: "poke", SelfID: "1", UserID: "2", TargetID: "1"},
		},
		{name: "float id", in: `{"user_id":1.5}`, wantErr: true},
		{name: "bad time", in: `{"time":"yesterday"}`, wantErr: true},
		{name: "object message", in: `{"message":{"type":"text"}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Event
			err := json.Unmarshal([]byte(tt.in), &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Unmarshal(%s) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !got.Time.Equal(tt.want.Time) {
				t.Errorf("Time = %v, want %v", got.Time, tt.want.Time)
			}
			got.Time, tt.want.Time = time.Time{}, time.Time{}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Unmarshal = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEventText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"raw text wins", Event{RawText: ".r20", Message: []Segment{Text("other")}}, ".r20"},
		{"segments", Event{Message: []Segment{Text(".r"), {Type: "image"}, Text("20")}}, ".r20"},
		{"empty", Event{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTargetRecipient(t *testing.T) {
	t.Parallel()
	if got := (Target{ChatID: "c", UserID: "u"}).Recipient(); got != "c" {
		t.Errorf("Recipient = %q", got)
	}
	if got := (Target{UserID: "u"}).Recipient(); got != "u" {
		t.Errorf("Recipient = %q", got)
	}
}

func TestManager_FanInAndReply(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	a, b := newStub("a"), newStub("b")
	broken := newStub("broken")
	broken.failOpen = true
	for _, ch := range []Channel{a, b, broken} {
		if err := m.Register(ch); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Register(newStub("a")); err == nil {
		t.Error("duplicate Register should fail")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	a.in <- &Event{UserID: "1", RawText: "hi"}
	b.in <- &Event{Channel: "b", UserID: "2", RawText: "yo"}

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-m.Events():
			seen[ev.Channel] = true
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}

	if err := m.Reply(context.Background(), Target{Channel: "a", UserID: "1"}, "pong"); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if len(a.sent) != 1 || a.sent[0] != "1:pong" {
		t.Errorf("sent = %v", a.sent)
	}
	if err := m.Reply(context.Background(), Target{Channel: "nope"}, "x"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("unknown channel err = %v", err)
	}
	if err := m.Reply(context.Background(), Target{Channel: "broken"}, "x"); !errors.Is(err, ErrChannelDisconnected) {
		t.Errorf("disconnected err = %v", err)
	}
	if err := m.Poke(context.Background(), Target{Channel: "a"}); !errors.Is(err, ErrPokeNotSupported) {
		t.Errorf("poke err = %v", err)
	}
	if names := m.Names(); len(names) != 3 || names[0] != "a" {
		t.Errorf("Names = %v", names)
	}
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	var r Recorder
	ctx := context.Background()
	_ = r.Reply(ctx, Target{UserID: "1"}, "one")
	_ = r.Poke(ctx, Target{UserID: "1"})
	_ = r.Reply(ctx, Target{UserID: "1"}, "two")

	if got := r.Texts(); len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("Texts = %v", got)
	}
	if len(r.Sent()) != 3 {
		t.Errorf("Sent = %v", r.Sent())
	}
	r.Reset()
	if len(r.Sent()) != 0 {
		t.Error("Reset kept messages")
	}
}
