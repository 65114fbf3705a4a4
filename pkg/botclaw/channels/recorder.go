package channels

import (
	"context"
	"sync"
)

// Sent is one message captured by a Recorder.
type Sent struct {
	To   Target `json:"to"`
	Text string `json:"text"`
	Poke bool   `json:"poke,omitempty"`
}

// Recorder is an Outbound that keeps every message instead of delivering
// it. The gateway uses it to return replies to HTTP callers.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

// Reply records text.
func (r *Recorder) Reply(_ context.Context, to Target, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{To: to, Text: text})
	return nil
}

// Poke records a poke.
func (r *Recorder) Poke(_ context.Context, to Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{To: to, Poke: true})
	return nil
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Texts returns the recorded reply texts in order.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sent {
		if !s.Poke {
			out = append(out, s.Text)
		}
	}
	return out
}

// Reset discards recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
