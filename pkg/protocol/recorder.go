package protocol

import (
	"sync"
	"time"
)

// Recorder is an in-memory Sender that keeps every envelope. Used by tests
// and the local debug console.
type Recorder struct {
	mu   sync.Mutex
	envs []Envelope
	ch   chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan struct{}, 1)}
}

func (r *Recorder) Send(env Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

// Envelopes returns a copy of everything sent so far.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envs...)
}

// Metadata filters metadata envelopes of one event kind.
func (r *Recorder) Metadata(ev MetadataEvent) []Envelope {
	var out []Envelope
	for _, env := range r.Envelopes() {
		if env.Type == TypeMetadata && env.Event == ev {
			out = append(out, env)
		}
	}
	return out
}

// OfType filters envelopes of one kind.
func (r *Recorder) OfType(t MessageType) []Envelope {
	var out []Envelope
	for _, env := range r.Envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// WaitFor blocks until cond holds for the recorded envelopes or timeout
// passes. It reports whether cond held.
func (r *Recorder) WaitFor(timeout time.Duration, cond func([]Envelope) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond(r.Envelopes()) {
			return true
		}
		select {
		case <-r.ch:
		case <-deadline.C:
			return cond(r.Envelopes())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

var _ Sender = (*Recorder)(nil)
