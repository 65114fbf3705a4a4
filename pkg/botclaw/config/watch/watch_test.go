package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestPoll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module.yaml")
	if err := os.WriteFile(path, []byte("name: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := New(path, time.Hour, func(Event) {}, nil)
	w.hash, w.exists = w.snapshot()

	steps := []struct {
		name   string
		action func()
		want   Kind
	}{
		{"unchanged", func() {}, 0},
		{"touch only", func() {
			now := time.Now().Add(time.Minute)
			_ = os.Chtimes(path, now, now)
		}, 0},
		{"rewrite same content", func() { _ = os.WriteFile(path, []byte("name: a\n"), 0o644) }, 0},
		{"content change", func() { _ = os.WriteFile(path, []byte("name: b\n"), 0o644) }, Changed},
		{"removed", func() { _ = os.Remove(path) }, Removed},
		{"still removed", func() {}, 0},
		{"recreated", func() { _ = os.WriteFile(path, []byte("name: b\n"), 0o644) }, Changed},
	}
	for _, s := range steps {
		s.action()
		ev, ok := w.poll()
		if s.want == 0 {
			if ok {
				t.Errorf("%s: unexpected %s event", s.name, ev.Kind)
			}
			continue
		}
		if !ok || ev.Kind != s.want {
			t.Errorf("%s: got %v (%v), want %s", s.name, ev.Kind, ok, s.want)
		}
	}
}

func TestStart_DetectsChangeAndStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module.yaml")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []Event
	w := New(path, 20*time.Millisecond, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 || events[0].Kind != Changed {
		t.Errorf("events = %+v, want a change", events)
	}
}
