// Package whatsapp implements the WhatsApp channel using whatsmeow.
//
// The device session is kept in its own SQLite database. On first start no
// device is paired and the QR login runs in the background; codes are
// handed to the configured QR callback (the log by default).
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds WhatsApp channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// SessionDir holds whatsapp.db when DatabasePath is empty.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the SQLite file for the device session.
	DatabasePath string `yaml:"database_path"`

	RespondToGroups bool `yaml:"respond_to_groups"`
	RespondToDMs    bool `yaml:"respond_to_dms"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SessionDir:      "./data/whatsapp",
		RespondToGroups: true,
		RespondToDMs:    true,
	}
}

// WhatsApp implements channels.Channel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// OnQR receives pairing codes. Defaults to logging them.
	OnQR func(code string)

	events       chan *channels.Event
	eventsClosed atomic.Bool

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp channel.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WhatsApp{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		events: make(chan *channels.Event, 256),
		ctx:    context.Background(),
	}
	w.OnQR = func(code string) {
		w.logger.Info("whatsapp: scan this code with WhatsApp to link the device", "qr", code)
	}
	return w
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

func (w *WhatsApp) databasePath() string {
	if w.cfg.DatabasePath != "" {
		return w.cfg.DatabasePath
	}
	return filepath.Join(w.cfg.SessionDir, "whatsapp.db")
}

// Connect opens the device store and connects. Without a paired device the
// QR login runs in the background and Connect returns immediately.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	dbPath := w.databasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("whatsapp: creating session dir: %w", err)
	}
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath), waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: creating session store: %w", err)
	}

	device, err := getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("whatsapp: getting device: %w", err)
	}

	store.SetOSInfo("BotClaw", [3]uint32{1, 0, 0})
	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.logger.Info("whatsapp: no paired device, waiting for QR login")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login failed", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("whatsapp: connected", "jid", w.client.Store.ID.String())
	return nil
}

func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed")
			}
			switch evt.Event {
			case "code":
				if w.OnQR != nil {
					w.OnQR(evt.Code)
				}
			case "success":
				w.connected.Store(true)
				w.logger.Info("whatsapp: device linked")
				return nil
			case "timeout":
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

// Disconnect closes the connection and the event stream.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.eventsClosed.CompareAndSwap(false, true) {
		close(w.events)
	}
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Send delivers text to the chat, quoting the answered message when known.
func (w *WhatsApp) Send(ctx context.Context, to channels.Target, text string) error {
	if !w.connected.Load() || w.client == nil {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to.Recipient())
	if err != nil {
		return fmt.Errorf("whatsapp: invalid JID %q: %w", to.Recipient(), err)
	}
	if _, err := w.client.SendMessage(ctx, jid, buildTextMessage(text, to.MessageID, to.UserID)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("whatsapp: sending message: %w", err)
	}
	return nil
}

// Receive returns the inbound event stream.
func (w *WhatsApp) Receive() <-chan *channels.Event { return w.events }

// IsConnected reports whether the client is connected and paired.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// Health returns the channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := w.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	details := map[string]any{"database": w.databasePath()}
	if w.client != nil && w.client.Store != nil && w.client.Store.ID != nil {
		details["jid"] = w.client.Store.ID.String()
	}
	return channels.HealthStatus{
		Connected:     w.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(w.errorCount.Load()),
		Details:       details,
	}
}

func (w *WhatsApp) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		w.handleMessage(evt)
	case *events.Connected:
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.logger.Info("whatsapp: connection established")
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp: connection lost")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp: device logged out", "reason", evt.Reason.String())
	}
}

func (w *WhatsApp) handleMessage(evt *events.Message) {
	ev := w.toEvent(evt.Info, evt.Message)
	if ev == nil || w.eventsClosed.Load() {
		return
	}
	w.lastMsg.Store(time.Now())

	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: event buffer full, dropping message", "from", ev.UserID)
	}
}

// toEvent converts a whatsmeow message. It returns nil for the device's own
// messages, status broadcasts, filtered chat kinds and non-text messages.
func (w *WhatsApp) toEvent(info types.MessageInfo, msg *waE2E.Message) *channels.Event {
	if info.IsFromMe || info.Chat.Server == types.BroadcastServer {
		return nil
	}
	if info.IsGroup && !w.cfg.RespondToGroups || !info.IsGroup && !w.cfg.RespondToDMs {
		return nil
	}
	text := messageText(msg)
	if text == "" {
		return nil
	}

	ev := &channels.Event{
		PostType:  channels.PostMessage,
		Channel:   "whatsapp",
		UserID:    info.Sender.ToNonAD().String(),
		ChatID:    info.Chat.String(),
		MessageID: string(info.ID),
		Message:   []channels.Segment{channels.Text(text)},
		RawText:   text,
		Time:      info.Timestamp,
		Sender:    channels.Sender{Nickname: info.PushName},
	}
	if info.IsGroup {
		ev.GroupID = info.Chat.String()
	}
	if w.client != nil && w.client.Store != nil && w.client.Store.ID != nil {
		ev.SelfID = w.client.Store.ID.ToNonAD().String()
	}
	return ev
}

// messageText extracts the text of plain and extended text messages.
func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// buildTextMessage builds a plain message, or an extended one quoting
// replyTo when it is set.
func buildTextMessage(text, replyTo, participant string) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	ctxInfo := &waE2E.ContextInfo{StanzaID: proto.String(replyTo)}
	if participant != "" {
		ctxInfo.Participant = proto.String(participant)
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: ctxInfo,
		},
	}
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

var _ channels.Channel = (*WhatsApp)(nil)
