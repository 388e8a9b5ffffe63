// Package runtime dispatches tool invocations onto a bounded worker pool,
// carrying the session snapshot across the pool boundary and folding every
// failure into a structured result chunk. Tool bodies never crash the
// process and never block the dispatch loop.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/strandlabs/strand/internal/bridge"
	"github.com/strandlabs/strand/internal/events"
	"github.com/strandlabs/strand/internal/mcp"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/policy"
	"github.com/strandlabs/strand/internal/registry"
	"github.com/strandlabs/strand/internal/session"
	"github.com/strandlabs/strand/pkg/models"
)

const (
	// DefaultConcurrency bounds how many tool bodies run at once.
	DefaultConcurrency = 8

	// DefaultChunkBuffer sizes each invocation's response stream.
	DefaultChunkBuffer = 256
)

// ToolFunc is a tool body. It runs on a worker slot with the invocation's
// session already re-attached to ctx, and returns the result payload or an
// error the dispatcher converts into a structured failure.
type ToolFunc func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error)

// ToolDef registers one dispatchable tool.
type ToolDef struct {
	Name        string
	Description string

	// InputSchema is an optional JSON Schema for the tool's arguments.
	// When set, arguments are validated before the body runs.
	InputSchema string

	Handler ToolFunc
}

type toolEntry struct {
	def    ToolDef
	schema *jsonschema.Schema
}

// Invocation asks the dispatcher to run one tool.
type Invocation struct {
	// ID correlates chunks and results. Empty means "assign one".
	ID string

	Tool      string
	Arguments json.RawMessage
}

// Dispatcher runs registered tools on a bounded worker pool and streams each
// invocation's events and result as ResponseChunks.
type Dispatcher struct {
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *observability.Metrics

	sem         chan struct{}
	chunkBuffer int

	mu    sync.RWMutex
	tools map[string]*toolEntry
}

// Options tune a Dispatcher.
type Options struct {
	// Registry is the spawned-connection arena shared by all invocations.
	// Nil creates a registry with no factory; Spawn then fails cleanly.
	Registry *registry.Registry

	// Concurrency bounds simultaneous tool bodies. Default DefaultConcurrency.
	Concurrency int

	// ChunkBuffer sizes each invocation's stream. Default DefaultChunkBuffer.
	ChunkBuffer int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	buffer := opts.ChunkBuffer
	if buffer <= 0 {
		buffer = DefaultChunkBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New(nil, registry.Options{Logger: logger, Metrics: opts.Metrics})
	}
	return &Dispatcher{
		reg:         reg,
		logger:      logger.With("component", "dispatcher"),
		metrics:     opts.Metrics,
		sem:         make(chan struct{}, concurrency),
		chunkBuffer: buffer,
		tools:       make(map[string]*toolEntry),
	}
}

// Register adds a tool. Registering a name twice replaces the earlier
// definition. The input schema, when present, is compiled eagerly so a bad
// schema fails here rather than on first dispatch.
func (d *Dispatcher) Register(def ToolDef) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}

	entry := &toolEntry{def: def}
	if def.InputSchema != "" {
		schema, err := jsonschema.CompileString(def.Name+".schema.json", def.InputSchema)
		if err != nil {
			return fmt.Errorf("compile schema for %q: %w", def.Name, err)
		}
		entry.schema = schema
	}

	d.mu.Lock()
	d.tools[def.Name] = entry
	d.mu.Unlock()
	return nil
}

// Tools lists the registered tool names.
func (d *Dispatcher) Tools() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	return names
}

// Registry returns the spawned-connection arena.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.reg
}

// Dispatch schedules inv onto a worker slot and returns its response stream.
// The stream carries the invocation's progress, text, and token events
// followed by exactly one result chunk with Done set, after which it closes.
// The session attached to ctx rides across the pool boundary; in-flight
// invocations keep the snapshot they started with.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) <-chan models.ResponseChunk {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	out := make(chan models.ResponseChunk, d.chunkBuffer)

	sess := session.FromContext(ctx)

	go func() {
		defer close(out)

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			d.deliver(ctx, out, models.ResponseChunk{
				Result: failureResult(inv, models.FailureExecution, ctx.Err().Error()),
				Done:   true,
			})
			return
		}
		defer func() { <-d.sem }()

		d.metrics.InvocationStarted()
		started := time.Now()

		result := d.run(session.WithSession(ctx, sess), inv, out)

		status := "ok"
		if result.IsError {
			status = string(result.Failure)
		}
		d.metrics.InvocationFinished(status, time.Since(started))
		d.deliver(ctx, out, models.ResponseChunk{Result: &result, Done: true})
	}()

	return out
}

// run executes one invocation body with its own bus, emitter, and facade.
// Every failure path returns a structured result; nothing escapes.
func (d *Dispatcher) run(ctx context.Context, inv Invocation, out chan<- models.ResponseChunk) (result models.ToolResult) {
	logger := d.logger.With("tool", inv.Tool, "invocation_id", inv.ID)

	d.mu.RLock()
	entry, ok := d.tools[inv.Tool]
	d.mu.RUnlock()
	if !ok {
		return *failureResult(inv, models.FailureExecution, fmt.Sprintf("unknown tool %q", inv.Tool))
	}

	if entry.schema != nil {
		if err := validateArguments(entry.schema, inv.Arguments); err != nil {
			logger.Warn("argument validation failed", "error", err)
			return *failureResult(inv, models.FailureInvalidArguments, err.Error())
		}
	}

	sess := session.FromContext(ctx)

	// Invocation events feed the response stream and, when the session
	// carries its own bus, any sinks registered there.
	bus := events.NewBus(d.metrics)
	bus.RegisterProgress(events.FuncSink[models.ProgressEvent](func(ctx context.Context, ev models.ProgressEvent) {
		d.deliver(ctx, out, models.ResponseChunk{Progress: &ev})
		sess.Bus.PublishProgress(ctx, ev)
	}))
	bus.RegisterText(events.FuncSink[models.TextEvent](func(ctx context.Context, ev models.TextEvent) {
		d.deliver(ctx, out, models.ResponseChunk{Text: &ev})
		sess.Bus.PublishText(ctx, ev)
	}))
	bus.RegisterTokens(events.FuncSink[models.TokenUsage](func(ctx context.Context, ev models.TokenUsage) {
		d.deliver(ctx, out, models.ResponseChunk{Tokens: &ev})
		sess.Bus.PublishTokens(ctx, ev)
	}))

	em := newEmitter(bus, inv.Tool, logger)
	exec := &Execution{
		sess: sess,
		reg:  d.reg,
		em:   em,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool body panicked", "panic", r)
			result = *failureResult(inv, models.FailurePanic, fmt.Sprintf("tool panicked: %v", r))
		}
		em.finish(ctx)
	}()

	content, err := entry.def.Handler(ctx, exec, inv.Arguments)
	if err != nil {
		kind := Classify(err)
		logger.Warn("tool body failed", "failure", kind, "error", err)
		return *failureResult(inv, kind, err.Error())
	}
	return models.ToolResult{
		InvocationID: inv.ID,
		ToolName:     inv.Tool,
		Content:      content,
	}
}

// deliver sends a chunk without ever blocking the producer: a full stream
// drops event chunks, and only the terminal chunk waits (bounded by ctx) so
// an abandoned consumer cannot park the worker forever.
func (d *Dispatcher) deliver(ctx context.Context, out chan<- models.ResponseChunk, chunk models.ResponseChunk) {
	if chunk.Done {
		select {
		case out <- chunk:
		default:
			// Buffer full: wait for the consumer, but not past its context.
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
		return
	}
	select {
	case out <- chunk:
	default:
		d.metrics.EventDropped("stream")
	}
}

func failureResult(inv Invocation, kind models.FailureKind, message string) *models.ToolResult {
	return &models.ToolResult{
		InvocationID: inv.ID,
		ToolName:     inv.Tool,
		Content:      message,
		IsError:      true,
		Failure:      kind,
		Retryable:    kind.Retryable(),
	}
}

// Classify maps an error from a tool body onto the failure taxonomy.
func Classify(err error) models.FailureKind {
	var remoteErr *mcp.RemoteError
	switch {
	case errors.Is(err, bridge.ErrConnectionUnavailable):
		return models.FailureConnectionUnavailable
	case errors.Is(err, registry.ErrUnknownConnection):
		return models.FailureUnknownConnection
	case errors.Is(err, bridge.ErrCallTimeout):
		return models.FailureCallTimeout
	case errors.Is(err, policy.ErrReadOnlyViolation):
		return models.FailureReadOnlyViolation
	case errors.As(err, &remoteErr):
		return models.FailureRemoteError
	default:
		return models.FailureExecution
	}
}

func validateArguments(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}
	return nil
}
