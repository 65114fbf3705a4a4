// Package channels defines the inbound event contract shared by every chat
// gateway adapter, the outbound capability the agent replies through, and a
// manager that fans all adapters into a single event stream.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PostType classifies an inbound event.
type PostType string

const (
	PostMessage PostType = "message"
	PostNotice  PostType = "notice"
)

// Segment is one part of a message. Plain text segments have type "text"
// and carry their content under data["text"].
type Segment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// Text builds a text segment.
func Text(s string) Segment {
	return Segment{Type: "text", Data: map[string]string{"text": s}}
}

// Sender describes the author of an event as reported by the gateway.
type Sender struct {
	Nickname string `json:"nickname,omitempty"`
}

// Event is an inbound chat event. Identity fields are whatever the gateway
// asserts; they are not verified.
type Event struct {
	PostType PostType `json:"post_type"`

	// Channel names the adapter that produced the event ("discord",
	// "whatsapp", "console", "http").
	Channel string `json:"channel,omitempty"`

	// NoticeType and SubType qualify notice events, e.g. "notify"/"poke".
	NoticeType string `json:"notice_type,omitempty"`
	SubType    string `json:"sub_type,omitempty"`

	SelfID  string `json:"self_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`

	// TargetID is the user a notice was aimed at, e.g. the one poked.
	TargetID string `json:"target_id,omitempty"`

	// ChatID is where replies go. Empty means a direct reply to UserID.
	ChatID    string `json:"chat_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	Message []Segment `json:"message,omitempty"`
	RawText string    `json:"raw_text,omitempty"`
	Time    time.Time `json:"time"`
	Sender  Sender    `json:"sender"`
}

// UnmarshalJSON accepts both the native encoding and OneBot-style payloads:
// ids may be numbers or strings, time may be unix seconds or RFC 3339,
// message may be a segment array or a plain string, and raw_message is
// taken as RawText when raw_text is absent.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	aux := struct {
		*plain
		SelfID     json.RawMessage `json:"self_id"`
		UserID     json.RawMessage `json:"user_id"`
		GroupID    json.RawMessage `json:"group_id"`
		TargetID   json.RawMessage `json:"target_id"`
		MessageID  json.RawMessage `json:"message_id"`
		Message    json.RawMessage `json:"message"`
		Time       json.RawMessage `json:"time"`
		RawMessage string          `json:"raw_message"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	ids := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"self_id", aux.SelfID, &e.SelfID},
		{"user_id", aux.UserID, &e.UserID},
		{"group_id", aux.GroupID, &e.GroupID},
		{"target_id", aux.TargetID, &e.TargetID},
		{"message_id", aux.MessageID, &e.MessageID},
	}
	for _, id := range ids {
		v, err := idString(id.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", id.name, err)
		}
		*id.dst = v
	}

	t, err := eventTime(aux.Time)
	if err != nil {
		return fmt.Errorf("time: %w", err)
	}
	e.Time = t

	e.Message = nil
	if msg := bytes.TrimSpace(aux.Message); len(msg) > 0 && !bytes.Equal(msg, []byte("null")) {
		if msg[0] == '"' {
			var text string
			if err := json.Unmarshal(msg, &text); err != nil {
				return fmt.Errorf("message: %w", err)
			}
			e.Message = []Segment{Text(text)}
		} else if err := json.Unmarshal(msg, &e.Message); err != nil {
			return fmt.Errorf("message: %w", err)
		}
	}
	if e.RawText == "" {
		e.RawText = aux.RawMessage
	}
	return nil
}

// UnmarshalJSON accepts data values of any JSON type. Non-string values
// keep their JSON text, so {"qq": 123} decodes to data["qq"] == "123".
func (s *Segment) UnmarshalJSON(b []byte) error {
	var aux struct {
		Type string                     `json:"type"`
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	s.Type = aux.Type
	s.Data = nil
	if len(aux.Data) > 0 {
		s.Data = make(map[string]string, len(aux.Data))
		for k, raw := range aux.Data {
			v, err := scalarString(raw)
			if err != nil {
				return fmt.Errorf("segment data %q: %w", k, err)
			}
			s.Data[k] = v
		}
	}
	return nil
}

func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")):
		return "", nil
	case raw[0] == '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	return string(raw), nil
}

// idString decodes an id given as a JSON string or integer.
func idString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")):
		return "", nil
	case raw[0] == '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return "", fmt.Errorf("want string or integer, got %s", raw)
	}
	return strconv.FormatInt(n, 10), nil
}

// eventTime decodes unix seconds or an RFC 3339 timestamp.
func eventTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")):
		return time.Time{}, nil
	case raw[0] == '"':
		var t time.Time
		err := json.Unmarshal(raw, &t)
		return t, err
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("want unix seconds or RFC 3339, got %s", raw)
	}
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*float64(time.Second))), nil
}

// Text returns the plain text of the event: RawText when set, otherwise the
// concatenated text segments.
func (e *Event) Text() string {
	if e.RawText != "" {
		return e.RawText
	}
	var b strings.Builder
	for _, seg := range e.Message {
		if seg.Type == "text" {
			b.WriteString(seg.Data["text"])
		}
	}
	return b.String()
}

// IsGroup reports whether the event came from a group conversation.
func (e *Event) IsGroup() bool { return e.GroupID != "" }

// Target returns the reply destination for the event.
func (e *Event) Target() Target {
	return Target{Channel: e.Channel, ChatID: e.ChatID, UserID: e.UserID, MessageID: e.MessageID}
}

// Target addresses an outbound message.
type Target struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`

	// MessageID is the message being answered, when the platform threads
	// replies.
	MessageID string `json:"message_id,omitempty"`
}

// Recipient is the platform address to send to.
func (t Target) Recipient() string {
	if t.ChatID != "" {
		return t.ChatID
	}
	return t.UserID
}

// Outbound is the capability handlers use to talk back to the gateway.
type Outbound interface {
	Reply(ctx context.Context, to Target, text string) error
	Poke(ctx context.Context, to Target) error
}

// Channel is implemented by every gateway adapter.
type Channel interface {
	// Name returns the channel identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection to the platform.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// Send delivers a text message to a platform address.
	Send(ctx context.Context, to Target, text string) error

	// Receive returns the stream of inbound events.
	Receive() <-chan *Event

	// IsConnected reports whether the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// Poker is implemented by channels that can nudge a user.
type Poker interface {
	Poke(ctx context.Context, to Target) error
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrPokeNotSupported    = errors.New("poke not supported by this channel")
)
