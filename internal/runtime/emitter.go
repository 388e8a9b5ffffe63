package runtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/strandlabs/strand/internal/events"
	"github.com/strandlabs/strand/pkg/models"
)

// Emitter is the per-invocation event producer handed to tool bodies. It
// stamps each event with its source name and enforces terminal semantics:
// once a source reports StatusCompleted no further progress events from it
// are delivered, and once a final text fragment goes out nothing follows it.
type Emitter struct {
	bus    *events.Bus
	source string
	logger *slog.Logger

	mu        sync.Mutex
	toolCalls []string
	completed map[string]bool
	finalText map[string]bool
}

func newEmitter(bus *events.Bus, source string, logger *slog.Logger) *Emitter {
	return &Emitter{
		bus:       bus,
		source:    source,
		logger:    logger,
		completed: make(map[string]bool),
		finalText: make(map[string]bool),
	}
}

// Progress publishes a progress event for the emitter's own source.
func (e *Emitter) Progress(ctx context.Context, ev models.ProgressEvent) {
	e.ProgressFrom(ctx, e.source, ev)
}

// ProgressFrom publishes a progress event attributed to source. Sub-agent
// iterations report under their own source names through here.
func (e *Emitter) ProgressFrom(ctx context.Context, source string, ev models.ProgressEvent) {
	ev.SourceName = source

	e.mu.Lock()
	if e.completed[source] {
		e.mu.Unlock()
		e.logger.Warn("progress after terminal event dropped", "source", source, "status", ev.Status)
		return
	}
	if ev.Status.Terminal() {
		e.completed[source] = true
	}
	if ev.ToolCallsSoFar == nil {
		ev.ToolCallsSoFar = append([]string(nil), e.toolCalls...)
	}
	e.mu.Unlock()

	e.bus.PublishProgress(ctx, ev)
}

// Text publishes a streamed text fragment for the emitter's own source.
func (e *Emitter) Text(ctx context.Context, fragment string, final bool) {
	e.TextFrom(ctx, e.source, fragment, final)
}

// TextFrom publishes a text fragment attributed to source.
func (e *Emitter) TextFrom(ctx context.Context, source, fragment string, final bool) {
	e.mu.Lock()
	if e.finalText[source] {
		e.mu.Unlock()
		e.logger.Warn("text after final fragment dropped", "source", source)
		return
	}
	if final {
		e.finalText[source] = true
	}
	e.mu.Unlock()

	e.bus.PublishText(ctx, models.TextEvent{SourceName: source, Text: fragment, Final: final})
}

// Tokens publishes token usage attributed to the emitter's own source.
func (e *Emitter) Tokens(ctx context.Context, input, output int) {
	e.bus.PublishTokens(ctx, models.TokenUsage{
		SourceName:   e.source,
		InputTokens:  input,
		OutputTokens: output,
	})
}

// RecordToolCall appends name to the running tool-call history included in
// subsequent progress events.
func (e *Emitter) RecordToolCall(name string) {
	e.mu.Lock()
	e.toolCalls = append(e.toolCalls, name)
	e.mu.Unlock()
}

// Completed reports whether source has emitted its terminal progress event.
func (e *Emitter) Completed(source string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed[source]
}

// finish emits the terminal progress event for the emitter's own source if
// the tool body did not do so itself.
func (e *Emitter) finish(ctx context.Context) {
	if e.Completed(e.source) {
		return
	}
	e.Progress(ctx, models.ProgressEvent{Status: models.StatusCompleted})
}
