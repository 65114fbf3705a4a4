// Package discord implements the Discord channel using discordgo.
//
// Guild messages are reported with the guild as the group, so every text
// channel of a guild shares one authorization scope. Direct messages have
// no group and resolve to the sender's private scope.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the bot token. Usually resolved from the keyring.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guilds the bot listens in. Empty means all.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channels the bot listens in. Empty
	// means all.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// Discord implements channels.Channel and channels.Poker.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session
	selfID  string

	events chan *channels.Event

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a Discord channel.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:    cfg,
		logger: logger.With("component", "discord"),
		events: make(chan *channels.Event, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway WebSocket.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.selfID = session.State.User.ID
	d.connected.Store(true)
	d.logger.Info("discord: connected", "bot", session.State.User.Username, "id", d.selfID)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("discord: close: %w", err)
		}
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Send posts text to the target channel, splitting at the length limit.
// The first chunk references the message being answered.
func (d *Discord) Send(ctx context.Context, to channels.Target, text string) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}
	channelID := to.ChatID
	if channelID == "" {
		dm, err := d.session.UserChannelCreate(to.UserID, discordgo.WithContext(ctx))
		if err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: open dm: %w", err)
		}
		channelID = dm.ID
	}

	for i, chunk := range splitMessage(text, maxMessageLen) {
		msg := &discordgo.MessageSend{Content: chunk}
		if i == 0 && to.MessageID != "" {
			msg.Reference = &discordgo.MessageReference{MessageID: to.MessageID, ChannelID: channelID}
		}
		if _, err := d.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx)); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: send: %w", err)
		}
	}
	return nil
}

// Poke mentions the user in the target channel.
func (d *Discord) Poke(ctx context.Context, to channels.Target) error {
	return d.Send(ctx, channels.Target{Channel: to.Channel, ChatID: to.ChatID, UserID: to.UserID},
		"<@"+to.UserID+">")
}

// Receive returns the inbound event stream.
func (d *Discord) Receive() <-chan *channels.Event { return d.events }

// IsConnected reports whether the gateway is open.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	ev := d.toEvent(m)
	if ev == nil {
		return
	}
	d.lastMsg.Store(time.Now())

	select {
	case d.events <- ev:
	default:
		d.logger.Warn("discord: event buffer full, dropping message", "msg_id", m.ID)
	}
}

// toEvent converts a gateway message. It returns nil for the bot's own
// messages, other bots and filtered guilds or channels.
func (d *Discord) toEvent(m *discordgo.MessageCreate) *channels.Event {
	if m.Message == nil || m.Author == nil || m.Author.Bot || m.Author.ID == d.selfID {
		return nil
	}
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !slices.Contains(d.cfg.AllowedGuilds, m.GuildID) {
		return nil
	}
	if len(d.cfg.AllowedChannels) > 0 && !slices.Contains(d.cfg.AllowedChannels, m.ChannelID) {
		return nil
	}

	nickname := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		nickname = m.Member.Nick
	}
	return &channels.Event{
		PostType:  channels.PostMessage,
		Channel:   "discord",
		SelfID:    d.selfID,
		UserID:    m.Author.ID,
		GroupID:   m.GuildID,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Message:   []channels.Segment{channels.Text(m.Content)},
		RawText:   m.Content,
		Time:      m.Timestamp,
		Sender:    channels.Sender{Nickname: nickname},
	}
}

// splitMessage splits text into chunks of at most maxLen bytes, preferring
// to cut after a newline in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

var (
	_ channels.Channel = (*Discord)(nil)
	_ channels.Poker   = (*Discord)(nil)
)
