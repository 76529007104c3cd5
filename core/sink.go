package core

import (
	"context"
	"errors"
)

// EventSink receives StreamEvents. Emit is called sequentially for one run.
type EventSink interface {
	Emit(ctx context.Context, ev StreamEvent) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev StreamEvent) error

// Emit implements EventSink.
func (f SinkFunc) Emit(ctx context.Context, ev StreamEvent) error { return f(ctx, ev) }

// ChannelSink forwards events to a channel, blocking until the receiver
// accepts the event or ctx is done.
type ChannelSink chan<- StreamEvent

// Emit implements EventSink.
func (c ChannelSink) Emit(ctx context.Context, ev StreamEvent) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrSinkFull is returned by BufferedChannelSink when the channel buffer is full.
var ErrSinkFull = errors.New("event channel full")

// BufferedChannelSink forwards events to a buffered channel without ever
// blocking. Events that do not fit into the buffer are dropped and reported
// as ErrSinkFull.
type BufferedChannelSink chan<- StreamEvent

// Emit implements EventSink.
func (c BufferedChannelSink) Emit(_ context.Context, ev StreamEvent) error {
	select {
	case c <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

// MultiSink fans every event out to all sinks in order. Nil entries are skipped.
type MultiSink []EventSink

// Emit implements EventSink. All sinks receive the event even if one fails;
// the failures are joined.
func (m MultiSink) Emit(ctx context.Context, ev StreamEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
