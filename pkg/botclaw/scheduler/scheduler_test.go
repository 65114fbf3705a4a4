package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/database"
	"github.com/jholhewres/botclaw/pkg/botclaw/session"
)

func TestAdd_RejectsBadSchedule(t *testing.T) {
	s := New(nil)
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{"@every 1m", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"* * * * * *", true},
		{"every minute", true},
	}
	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			err := s.Add("job", tt.schedule, func(context.Context) error { return nil })
			if (err != nil) != tt.wantErr {
				t.Errorf("Add(%q) error = %v, wantErr %v", tt.schedule, err, tt.wantErr)
			}
		})
	}
	if got := s.Jobs(); len(got) != 1 || got[0] != "job" {
		t.Errorf("Jobs = %v", got)
	}
}

func TestRunNow_NoOverlap(t *testing.T) {
	s := New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	if err := s.Add("slow", "@hourly", func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan bool)
	go func() {
		ran, _ := s.RunNow("slow")
		done <- ran
	}()
	<-started
	if ran, err := s.RunNow("slow"); err != nil || ran {
		t.Errorf("overlapping RunNow = %v, %v", ran, err)
	}
	close(release)
	if !<-done {
		t.Error("first run reported skipped")
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
	if _, err := s.RunNow("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("RunNow(unknown) = %v", err)
	}
}

func TestStartStop_FiresJob(t *testing.T) {
	s := New(nil)
	fired := make(chan struct{}, 1)
	if err := s.Add("tick", "@every 1s", func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}

func TestSessionSweep(t *testing.T) {
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "sweep.db")}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if _, err := database.NewMigrator(db, nil).Migrate(ctx, append(auth.Migrations(), session.Migrations()...)); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a := auth.New(db, nil)
	u, _ := a.EnsureUser(ctx, "alice")
	scope, _ := a.EnsureScope(ctx, auth.ScopePrivate, u.ID)
	m := session.NewManager(db, nil, session.WithClock(clock))

	short, err := m.Create(ctx, session.Identifier{Topic: "short", UserID: u.ID, ScopeID: scope.ID}, session.Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	keep, err := m.Create(ctx, session.Identifier{Topic: "keep", UserID: u.ID, ScopeID: scope.ID}, session.Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	now = now.Add(2 * time.Minute)
	s := New(nil)
	if err := s.Add("session-sweep", "@every 1m", SessionSweep(m, nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunNow("session-sweep"); err != nil {
		t.Fatal(err)
	}

	if got, _ := m.Get(ctx, short.ID, false); got != nil {
		t.Error("expired session survived the sweep")
	}
	if got, _ := m.Get(ctx, keep.ID, false); got == nil {
		t.Error("session without ttl was swept")
	}
}
