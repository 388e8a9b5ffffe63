package events

import (
	"context"
	"sync/atomic"
)

// ChanSink forwards events to a buffered channel without ever blocking the
// publisher. A full channel drops the event and counts it.
type ChanSink[T any] struct {
	ch      chan<- T
	dropped atomic.Uint64
}

// NewChanSink wraps ch as a sink. The channel should be buffered; an
// unbuffered channel drops every event published without a ready reader.
func NewChanSink[T any](ch chan<- T) *ChanSink[T] {
	return &ChanSink[T]{ch: ch}
}

// Emit sends ev to the channel, dropping it when the channel is full or
// ctx is done.
func (s *ChanSink[T]) Emit(ctx context.Context, ev T) {
	select {
	case s.ch <- ev:
	case <-ctx.Done():
		s.dropped.Add(1)
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events this sink discarded.
func (s *ChanSink[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// FuncSink adapts a function to the Sink interface.
type FuncSink[T any] func(ctx context.Context, ev T)

// Emit calls the wrapped function.
func (f FuncSink[T]) Emit(ctx context.Context, ev T) {
	if f != nil {
		f(ctx, ev)
	}
}

// MultiSink fans an event out to several sinks in order.
type MultiSink[T any] []Sink[T]

// Emit delivers ev to every non-nil sink.
func (m MultiSink[T]) Emit(ctx context.Context, ev T) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// NopSink discards everything.
type NopSink[T any] struct{}

// Emit does nothing.
func (NopSink[T]) Emit(context.Context, T) {}
