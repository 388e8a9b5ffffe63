// Package events provides the thread-safe delivery path from worker-thread
// producers to the single asynchronous consumer of the outer response
// stream.
//
// Publish never blocks and never fails: a missing sink drops the event
// silently, a full sink drops it and counts the drop. Sink references are
// swapped atomically rather than mutated, so a publish racing a register
// either delivers to the old sink or is dropped; both are acceptable.
// Events published by one goroutine for one source reach the sink in
// publication order.
package events

import (
	"context"
	"sync/atomic"

	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/pkg/models"
)

// Sink receives events of one category. Implementations must be safe for
// concurrent use and must not block; see ChanSink for the standard
// buffered implementation.
type Sink[T any] interface {
	Emit(ctx context.Context, ev T)
}

// Bus routes progress, text, and token events to their registered sinks.
// The zero value is not usable; call NewBus.
type Bus struct {
	progress atomic.Pointer[Sink[models.ProgressEvent]]
	text     atomic.Pointer[Sink[models.TextEvent]]
	tokens   atomic.Pointer[Sink[models.TokenUsage]]

	dropped atomic.Uint64
	metrics *observability.Metrics
}

// NewBus creates an empty bus. Metrics may be nil.
func NewBus(metrics *observability.Metrics) *Bus {
	return &Bus{metrics: metrics}
}

// RegisterProgress sets the progress sink, replacing any previous one.
func (b *Bus) RegisterProgress(s Sink[models.ProgressEvent]) {
	b.progress.Store(&s)
}

// RegisterText sets the text sink, replacing any previous one.
func (b *Bus) RegisterText(s Sink[models.TextEvent]) {
	b.text.Store(&s)
}

// RegisterTokens sets the token usage sink, replacing any previous one.
func (b *Bus) RegisterTokens(s Sink[models.TokenUsage]) {
	b.tokens.Store(&s)
}

// Clear removes every sink. Subsequent publishes drop silently.
func (b *Bus) Clear() {
	b.progress.Store(nil)
	b.text.Store(nil)
	b.tokens.Store(nil)
}

// PublishProgress delivers ev to the progress sink, or drops it.
func (b *Bus) PublishProgress(ctx context.Context, ev models.ProgressEvent) {
	if b == nil {
		return
	}
	if p := b.progress.Load(); p != nil && *p != nil {
		(*p).Emit(ctx, ev)
		return
	}
	b.drop("progress")
}

// PublishText delivers ev to the text sink, or drops it.
func (b *Bus) PublishText(ctx context.Context, ev models.TextEvent) {
	if b == nil {
		return
	}
	if p := b.text.Load(); p != nil && *p != nil {
		(*p).Emit(ctx, ev)
		return
	}
	b.drop("text")
}

// PublishTokens delivers ev to the token sink, or drops it.
func (b *Bus) PublishTokens(ctx context.Context, ev models.TokenUsage) {
	if b == nil {
		return
	}
	if p := b.tokens.Load(); p != nil && *p != nil {
		(*p).Emit(ctx, ev)
		return
	}
	b.drop("tokens")
}

// Dropped returns how many events were dropped for a missing sink.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) drop(category string) {
	b.dropped.Add(1)
	b.metrics.EventDropped(category)
}
