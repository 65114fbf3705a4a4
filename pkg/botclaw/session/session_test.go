package session

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/database"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	m     *Manager
	a     *auth.Auth
	clock *fakeClock
	alice int64
	bob   int64
	scope int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "sessions.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	migrations := append(auth.Migrations(), Migrations()...)
	if _, err := database.NewMigrator(db, nil).Migrate(ctx, migrations); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := auth.New(db, nil)
	alice, err := a.EnsureUser(ctx, "alice")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	bob, err := a.EnsureUser(ctx, "bob")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	scope, err := a.EnsureScope(ctx, auth.ScopePrivate, alice.ID)
	if err != nil {
		t.Fatalf("EnsureScope: %v", err)
	}

	return &fixture{
		m:     NewManager(db, nil, WithClock(clock.Now)),
		a:     a,
		clock: clock,
		alice: alice.ID,
		bob:   bob.ID,
		scope: scope.ID,
	}
}

func (f *fixture) ident(topic string, user int64) Identifier {
	return Identifier{Topic: topic, UserID: user, ScopeID: f.scope}
}

func TestNewSessionID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := newSessionID(now)
	if !strings.HasPrefix(id, "session_1700000000123_") {
		t.Fatalf("id = %q", id)
	}
	if suffix := strings.TrimPrefix(id, "session_1700000000123_"); len(suffix) != 9 {
		t.Errorf("random part %q, want 9 chars", suffix)
	}
	if newSessionID(now) == id {
		t.Error("ids should differ")
	}
}

func TestGetOrCreate_ReturnsSameSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s1, err := f.m.GetOrCreate(ctx, f.ident("hangman", f.alice), Options{TTL: 10 * time.Minute})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s2, err := f.m.GetOrCreate(ctx, f.ident("hangman", f.alice), Options{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s1.ID != s2.ID {
		t.Errorf("ids differ: %s vs %s", s1.ID, s2.ID)
	}
	if s2.TTL != 10*time.Minute {
		t.Errorf("TTL = %v, want 10m", s2.TTL)
	}

	all, err := f.m.ListByUser(ctx, f.alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("ListByUser returned %d sessions, want 1", len(all))
	}

	parts, err := f.m.Participants(ctx, s1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || parts[0].UserID != f.alice || parts[0].Role != RoleOwner {
		t.Errorf("participants = %+v", parts)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.m.Create(ctx, f.ident("quiz", f.alice), Options{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := f.m.Create(ctx, f.ident("quiz", f.alice), Options{})
	if !errors.Is(err, ErrSessionAlreadyExists) {
		t.Fatalf("second Create err = %v, want ErrSessionAlreadyExists", err)
	}
	if err.Error() != "session_already_exists" {
		t.Errorf("reason = %q", err.Error())
	}

	if _, err := f.m.Create(ctx, f.ident("other", f.alice), Options{}); err != nil {
		t.Errorf("different topic should succeed: %v", err)
	}
	if _, err := f.m.Create(ctx, f.ident("quiz", f.bob), Options{}); err != nil {
		t.Errorf("different user should succeed: %v", err)
	}
}

func TestGet_Expiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.Create(ctx, f.ident("hangman", f.alice), Options{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(30 * time.Second)
	got, err := f.m.Get(ctx, s.ID, true)
	if err != nil || got == nil {
		t.Fatalf("Get before expiry = %v, %v", got, err)
	}

	f.clock.Advance(2 * time.Minute)
	raw, err := f.m.Get(ctx, s.ID, false)
	if err != nil || raw == nil {
		t.Fatalf("Get without validation = %v, %v", raw, err)
	}

	got, err = f.m.Get(ctx, s.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expired session returned: %+v", got)
	}
	raw, _ = f.m.Get(ctx, s.ID, false)
	if raw != nil {
		t.Error("expired session should have been deleted")
	}

	// A fresh session can now be created for the same topic.
	if _, err := f.m.Create(ctx, f.ident("hangman", f.alice), Options{TTL: time.Minute}); err != nil {
		t.Errorf("Create after expiry: %v", err)
	}
}

func TestGet_ZeroTTLNeverExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.Create(ctx, f.ident("forever", f.alice), Options{})
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(365 * 24 * time.Hour)
	got, err := f.m.Get(ctx, s.ID, true)
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
}

func TestTouch_ExtendsLife(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.m.Create(ctx, f.ident("hangman", f.alice), Options{TTL: time.Minute})
	f.clock.Advance(50 * time.Second)
	if err := f.m.Touch(ctx, s.ID, f.alice); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	f.clock.Advance(50 * time.Second)
	if got, _ := f.m.Get(ctx, s.ID, true); got == nil {
		t.Error("touched session expired too early")
	}
	if err := f.m.Touch(ctx, "session_missing", 0); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Touch missing err = %v", err)
	}
}

func TestVariables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx, f.ident("hangman", f.alice), Options{})

	if v, err := f.m.GetVariable(ctx, s.ID, "state"); err != nil || v != nil {
		t.Fatalf("missing variable = %v, %v", v, err)
	}

	state := map[string]any{"attempts": 0, "guessed": []string{"a", "e"}}
	if err := f.m.SetVariable(ctx, s.ID, "state", state); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	got, err := f.m.GetVariable(ctx, s.ID, "state")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"attempts": float64(0), "guessed": []any{"a", "e"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetVariable = %#v, want %#v", got, want)
	}

	var typed struct {
		Attempts int      `json:"attempts"`
		Guessed  []string `json:"guessed"`
	}
	ok, err := f.m.GetVariableInto(ctx, s.ID, "state", &typed)
	if err != nil || !ok {
		t.Fatalf("GetVariableInto = %v, %v", ok, err)
	}
	if typed.Attempts != 0 || len(typed.Guessed) != 2 {
		t.Errorf("typed = %+v", typed)
	}

	if err := f.m.SetVariable(ctx, s.ID, "state", map[string]any{"attempts": 3}); err != nil {
		t.Fatal(err)
	}
	vars, err := f.m.Variables(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vars, map[string]any{"state": map[string]any{"attempts": float64(3)}}) {
		t.Errorf("Variables = %#v", vars)
	}

	removed, err := f.m.DeleteVariable(ctx, s.ID, "state")
	if err != nil || !removed {
		t.Errorf("DeleteVariable = %v, %v", removed, err)
	}
}

func TestDelete_CascadesVariables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx, f.ident("t", f.alice), Options{})
	_ = f.m.SetVariable(ctx, s.ID, "k", "v")

	removed, err := f.m.Delete(ctx, s.ID)
	if err != nil || !removed {
		t.Fatalf("Delete = %v, %v", removed, err)
	}
	vars, err := f.m.Variables(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(vars) != 0 {
		t.Errorf("variables survived delete: %v", vars)
	}
	if removed, _ := f.m.Delete(ctx, s.ID); removed {
		t.Error("second Delete reported removal")
	}
}

func TestJoinLeaveEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx, f.ident("game", f.alice), Options{})

	p, err := f.m.Join(ctx, s.ID, f.bob, "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if p.Role != RoleMember {
		t.Errorf("role = %s, want member", p.Role)
	}

	// bob now finds the session through participation.
	found, err := f.m.FindParticipantSession(ctx, Identifier{Topic: "game", UserID: f.bob, ScopeID: f.scope})
	if err != nil || found == nil || found.ID != s.ID {
		t.Fatalf("FindParticipantSession = %+v, %v", found, err)
	}

	if err := f.m.End(ctx, s.ID, f.bob); !errors.Is(err, ErrNotBelongToUser) {
		t.Errorf("End by member err = %v", err)
	}
	if err := f.m.Leave(ctx, s.ID, f.alice); !errors.Is(err, ErrNotBelongToUser) {
		t.Errorf("owner Leave err = %v", err)
	}
	if err := f.m.Leave(ctx, s.ID, f.bob); err != nil {
		t.Errorf("Leave: %v", err)
	}
	if err := f.m.End(ctx, s.ID, f.alice); err != nil {
		t.Errorf("End: %v", err)
	}
	if err := f.m.End(ctx, s.ID, f.alice); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("End twice err = %v", err)
	}
	if _, err := f.m.Join(ctx, s.ID, f.bob, RoleMember); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Join ended session err = %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	short, _ := f.m.Create(ctx, f.ident("short", f.alice), Options{TTL: time.Minute})
	long, _ := f.m.Create(ctx, f.ident("long", f.alice), Options{TTL: time.Hour})
	forever, _ := f.m.Create(ctx, f.ident("forever", f.alice), Options{})

	f.clock.Advance(5 * time.Minute)
	n, err := f.m.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	for id, alive := range map[string]bool{short.ID: false, long.ID: true, forever.ID: true} {
		got, _ := f.m.Get(ctx, id, false)
		if (got != nil) != alive {
			t.Errorf("session %s alive=%v, want %v", id, got != nil, alive)
		}
	}
}
