// ============================================================================
// proctor-guard Worker Output Sink
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the Runtime from where its heartbeats and events go.
//
//   - Process mode: Sink is a protocol.Conn over the worker's stdout.
//   - Tests: Sink is an in-memory recorder.
//
// A Send error is treated as "parent gone": the runtime stops itself
// instead of retrying.
//
// ============================================================================

package worker

import (
	"sync"

	"github.com/ChuLiYu/proctor-guard/internal/protocol"
)

// Sink receives the messages a Runtime emits.
type Sink interface {
	Send(m protocol.Message) error
}

// Recorder is an in-memory Sink.
type Recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
	err  error
}

// Send implements Sink.
func (r *Recorder) Send(m protocol.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, m)
	return nil
}

// Fail makes every later Send return err.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Messages returns a copy of the recorded messages of the given kind; an
// empty kind returns all of them.
func (r *Recorder) Messages(kind protocol.Kind) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Message
	for _, m := range r.msgs {
		if kind == "" || m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}
