package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
	"github.com/jholhewres/botclaw/pkg/botclaw/database"
	"github.com/jholhewres/botclaw/pkg/botclaw/session"
)

type memChannel struct {
	mu   sync.Mutex
	in   chan *channels.Event
	sent []string
}

func (m *memChannel) Name() string                          { return "mem" }
func (m *memChannel) Connect(context.Context) error         { return nil }
func (m *memChannel) Disconnect() error                     { return nil }
func (m *memChannel) Receive() <-chan *channels.Event       { return m.in }
func (m *memChannel) IsConnected() bool                     { return true }
func (m *memChannel) Health() channels.HealthStatus         { return channels.HealthStatus{Connected: true} }
func (m *memChannel) Send(_ context.Context, to channels.Target, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to.Recipient()+":"+text)
	return nil
}

type fixture struct {
	server   *httptest.Server
	agent    *agent.Agent
	sessions *session.Manager
	auth     *auth.Auth
	mem      *memChannel
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "gateway.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	var migrations []database.Migration
	migrations = append(migrations, auth.Migrations()...)
	migrations = append(migrations, session.Migrations()...)
	migrations = append(migrations, agent.Migrations()...)
	if _, err := database.NewMigrator(db, nil).Migrate(ctx, migrations); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	a := auth.New(db, nil, auth.WithDefaultRole(auth.RoleUser))
	if err := a.Seed(ctx, nil); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	mem := &memChannel{in: make(chan *channels.Event)}
	chans := channels.NewManager(nil)
	if err := chans.Register(mem); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := chans.Start(runCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		chans.Stop()
	})

	sessions := session.NewManager(db, nil)
	ag := agent.New(a, sessions, chans, nil)
	if _, err := ag.Reload(ctx, agent.StaticSource{SourceName: "test", List: func() []agent.Command {
		return []agent.Command{{
			Name:    "echo",
			Handler: func(c *agent.Context, m *agent.Match) error { return c.Reply(m.Rest) },
		}}
	}}); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	srv := httptest.NewServer(New(ag, chans, db, cfg, nil).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, agent: ag, sessions: sessions, auth: a, mem: mem}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{AuthToken: "secret"})
	resp, body := f.do(t, http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if chans, _ := body["channels"].(map[string]any); chans["mem"] != "connected" {
		t.Errorf("channels = %v", body["channels"])
	}
	if db, _ := body["database"].(map[string]any); db["healthy"] != true {
		t.Errorf("database = %v", body["database"])
	}
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control"} {
		if resp.Header.Get(h) == "" {
			t.Errorf("missing %s header", h)
		}
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{AuthToken: "secret"})
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/commands", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	f := newFixture(t, Config{})

	_, body := f.do(t, http.MethodGet, "/api/commands", "", "")
	cmds, _ := body["commands"].([]any)
	if len(cmds) != 1 || cmds[0].(map[string]any)["name"] != "echo" {
		t.Fatalf("commands = %v", body["commands"])
	}

	resp, body := f.do(t, http.MethodPost, "/api/commands/echo/disable", "", "")
	if resp.StatusCode != http.StatusOK || body["enabled"] != false {
		t.Errorf("disable: %d %v", resp.StatusCode, body)
	}
	_, body = f.do(t, http.MethodPost, "/api/events", "", `{"user_id":"alice","raw_text":".echo hi"}`)
	if replies, _ := body["replies"].([]any); len(replies) != 0 {
		t.Errorf("disabled command replied: %v", replies)
	}

	resp, body = f.do(t, http.MethodPost, "/api/commands/echo/enable", "", "")
	if resp.StatusCode != http.StatusOK || body["enabled"] != true {
		t.Errorf("enable: %d %v", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/commands/nope/enable", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown command status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/commands/echo/enable", "", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET enable status = %d", resp.StatusCode)
	}
}

func TestSources(t *testing.T) {
	f := newFixture(t, Config{})

	resp, body := f.do(t, http.MethodPost, "/api/sources/test/reload", "", "")
	if resp.StatusCode != http.StatusOK || body["commands"] != float64(1) {
		t.Errorf("reload: %d %v", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/sources/nope/reload", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown source status = %d", resp.StatusCode)
	}
	_, body = f.do(t, http.MethodGet, "/api/sources", "", "")
	if srcs, _ := body["sources"].([]any); len(srcs) != 1 {
		t.Errorf("sources = %v", body["sources"])
	}
}

func TestSessions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	u, _ := f.auth.EnsureUser(ctx, "alice")
	scope, _ := f.auth.EnsureScope(ctx, auth.ScopePrivate, u.ID)
	s, err := f.sessions.Create(ctx, session.Identifier{Topic: "quiz", UserID: u.ID, ScopeID: scope.ID}, session.Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.sessions.SetVariable(ctx, s.ID, "round", 2); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/sessions/"+s.ID, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if body["topic"] != "quiz" {
		t.Errorf("topic = %v", body["topic"])
	}
	if vars, _ := body["variables"].(map[string]any); vars["round"] != float64(2) {
		t.Errorf("variables = %v", body["variables"])
	}
	if ps, _ := body["participants"].([]any); len(ps) != 1 {
		t.Errorf("participants = %v", body["participants"])
	}

	bob, _ := f.auth.EnsureUser(ctx, "bob")
	bobPath := "/api/sessions/" + s.ID + "/participants/" + strconv.FormatInt(bob.ID, 10)
	ownerPath := "/api/sessions/" + s.ID + "/participants/" + strconv.FormatInt(u.ID, 10)
	participantCases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"join", http.MethodPut, bobPath, "", http.StatusOK},
		{"promote", http.MethodPut, bobPath, `{"role":"moderator"}`, http.StatusOK},
		{"join as owner", http.MethodPut, bobPath, `{"role":"owner"}`, http.StatusBadRequest},
		{"bad user id", http.MethodPut, "/api/sessions/" + s.ID + "/participants/x", "", http.StatusBadRequest},
		{"join missing session", http.MethodPut, "/api/sessions/nope/participants/1", "", http.StatusNotFound},
		{"owner cannot leave", http.MethodDelete, ownerPath, "", http.StatusConflict},
		{"leave", http.MethodDelete, bobPath, "", http.StatusOK},
		{"leave twice", http.MethodDelete, bobPath, "", http.StatusConflict},
	}
	for _, tt := range participantCases {
		if resp, body := f.do(t, tt.method, tt.path, "", tt.body); resp.StatusCode != tt.want {
			t.Errorf("%s: status = %d, want %d (%v)", tt.name, resp.StatusCode, tt.want, body)
		}
	}
	ps, err := f.sessions.Participants(ctx, s.ID)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(ps) != 1 || ps[0].UserID != u.ID {
		t.Errorf("participants after leave = %+v", ps)
	}

	if resp, _ := f.do(t, http.MethodDelete, "/api/sessions/"+s.ID, "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/sessions/"+s.ID, "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodDelete, "/api/sessions/"+s.ID, "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
}

func TestEvents(t *testing.T) {
	f := newFixture(t, Config{})

	resp, body := f.do(t, http.MethodPost, "/api/events", "",
		`{"post_type":"message","user_id":"alice","message":[{"type":"text","data":{"text":".echo hello"}}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d %v", resp.StatusCode, body)
	}
	replies, _ := body["replies"].([]any)
	if len(replies) != 1 {
		t.Fatalf("replies = %v", body["replies"])
	}
	r := replies[0].(map[string]any)
	if r["text"] != "hello" {
		t.Errorf("text = %v", r["text"])
	}
	if to, _ := r["to"].(map[string]any); to["channel"] != HTTPChannel || to["user_id"] != "alice" {
		t.Errorf("to = %v", r["to"])
	}

	resp, _ = f.do(t, http.MethodPost, "/api/events", "", `{"channel":"mem","user_id":"bob","raw_text":".echo yo"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("channel event status = %d", resp.StatusCode)
	}
	f.mem.mu.Lock()
	sent := append([]string(nil), f.mem.sent...)
	f.mem.mu.Unlock()
	if len(sent) != 1 || sent[0] != "bob:yo" {
		t.Errorf("mem sent = %q", sent)
	}

	bad := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown post type", `{"post_type":"request"}`},
		{"unknown channel", `{"channel":"pager","raw_text":".echo x"}`},
		{"boolean id", `{"user_id":true,"raw_text":".echo x"}`},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if resp, _ := f.do(t, http.MethodPost, "/api/events", "", tt.body); resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestEvents_OneBotPayload(t *testing.T) {
	f := newFixture(t, Config{})

	resp, body := f.do(t, http.MethodPost, "/api/events", "",
		`{"post_type":"message","message_type":"private","time":1700000000,"self_id":10001,"user_id":123,"message_id":-2147483000,`+
			`"message":[{"type":"text","data":{"text":".echo napcat"}},{"type":"face","data":{"id":14}}],"raw_message":".echo napcat[CQ:face,id=14]",`+
			`"sender":{"user_id":123,"nickname":"bob","card":""}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d %v", resp.StatusCode, body)
	}
	replies, _ := body["replies"].([]any)
	if len(replies) != 1 {
		t.Fatalf("replies = %v", body["replies"])
	}
	r := replies[0].(map[string]any)
	if r["text"] != "napcat" {
		t.Errorf("text = %v", r["text"])
	}
	if to, _ := r["to"].(map[string]any); to["user_id"] != "123" || to["message_id"] != "-2147483000" {
		t.Errorf("to = %v", r["to"])
	}

	resp, body = f.do(t, http.MethodPost, "/api/events", "",
		`{"post_type":"notice","notice_type":"notify","sub_type":"poke","time":1700000000,"self_id":10001,"user_id":123,"target_id":10001}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("notice status = %d %v", resp.StatusCode, body)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:8085": true,
		"localhost:80":   true,
		"[::1]:80":       true,
		":8085":          false,
		"0.0.0.0:8085":   false,
		"10.0.0.2:8085":  false,
	}
	for addr, want := range tests {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
