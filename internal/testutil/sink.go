package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/agentloop/core"
)

// RecordingSink stores every emitted event. It is safe for concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	events []core.StreamEvent
}

// Emit records ev.
func (s *RecordingSink) Emit(_ context.Context, ev core.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []core.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.StreamEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Kinds returns the kinds of the recorded events in order.
func (s *RecordingSink) Kinds() []core.EventKind {
	events := s.Events()
	kinds := make([]core.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// OfKind returns the recorded events of kind k.
func (s *RecordingSink) OfKind(k core.EventKind) []core.StreamEvent {
	var out []core.StreamEvent
	for _, ev := range s.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// ErrSinkFailed is returned by FailingSink.
var ErrSinkFailed = errors.New("sink unavailable")

// FailingSink rejects every event.
type FailingSink struct{}

// Emit always fails.
func (FailingSink) Emit(context.Context, core.StreamEvent) error { return ErrSinkFailed }
