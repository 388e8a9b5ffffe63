package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/strandlabs/strand/internal/bridge"
	"github.com/strandlabs/strand/internal/events"
	"github.com/strandlabs/strand/internal/mcp"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/policy"
	"github.com/strandlabs/strand/internal/registry"
	"github.com/strandlabs/strand/internal/session"
	"github.com/strandlabs/strand/pkg/models"
)

// stubConn is a registry connection that records calls and closes.
type stubConn struct {
	calls  atomic.Int64
	closes atomic.Int64
}

func (c *stubConn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.calls.Add(1)
	return json.RawMessage(`"ok"`), nil
}

func (c *stubConn) Close() error {
	c.closes.Add(1)
	return nil
}

func stubRegistry(t *testing.T) (*registry.Registry, *stubConn) {
	t.Helper()
	conn := &stubConn{}
	reg := registry.New(func(ctx context.Context, baseURL, token string, mode policy.Mode) (registry.Conn, error) {
		return conn, nil
	}, registry.Options{})
	t.Cleanup(reg.CleanupAll)
	return reg, conn
}

func stubFailingRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(func(ctx context.Context, baseURL, token string, mode policy.Mode) (registry.Conn, error) {
		return nil, errors.New("refused")
	}, registry.Options{})
	t.Cleanup(reg.CleanupAll)
	return reg
}

// collect drains a response stream into a slice, failing the test if it
// doesn't close within the deadline.
func collect(t *testing.T, stream <-chan models.ResponseChunk) []models.ResponseChunk {
	t.Helper()
	var chunks []models.ResponseChunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-deadline:
			t.Fatal("response stream did not close")
		}
	}
}

func lastChunk(t *testing.T, chunks []models.ResponseChunk) models.ResponseChunk {
	t.Helper()
	if len(chunks) == 0 {
		t.Fatal("empty response stream")
	}
	return chunks[len(chunks)-1]
}

func TestDispatchSuccess(t *testing.T) {
	d := New(Options{})
	err := d.Register(ToolDef{
		Name: "greet",
		Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
			exec.Emitter().Progress(ctx, models.ProgressEvent{Status: models.StatusRunning, CurrentStep: "greeting"})
			return "hello", nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	chunks := collect(t, d.Dispatch(context.Background(), Invocation{Tool: "greet"}))

	final := lastChunk(t, chunks)
	if !final.Done || final.Result == nil {
		t.Fatalf("final chunk = %+v, want Done with Result", final)
	}
	if final.Result.IsError {
		t.Fatalf("result is error: %s", final.Result.Content)
	}
	if final.Result.Content != "hello" {
		t.Errorf("result content = %q", final.Result.Content)
	}
	if final.Result.InvocationID == "" {
		t.Error("result has no invocation id")
	}

	// Everything before the final chunk is an event, and the tool's own
	// source reaches completed before the stream ends.
	sawCompleted := false
	for _, chunk := range chunks[:len(chunks)-1] {
		if chunk.Done {
			t.Error("Done chunk before the end of the stream")
		}
		if chunk.Progress != nil && chunk.Progress.Status == models.StatusCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Error("no terminal progress event before the result")
	}
}

func TestDispatchErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantFailure   models.FailureKind
		wantRetryable bool
	}{
		{"connection unavailable", bridge.ErrConnectionUnavailable, models.FailureConnectionUnavailable, false},
		{"unknown connection", fmt.Errorf("call: %w", registry.ErrUnknownConnection), models.FailureUnknownConnection, false},
		{"call timeout", bridge.ErrCallTimeout, models.FailureCallTimeout, true},
		{"read-only violation", fmt.Errorf("denied: %w", policy.ErrReadOnlyViolation), models.FailureReadOnlyViolation, false},
		{"plain error", errors.New("boom"), models.FailureExecution, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Options{})
			d.Register(ToolDef{
				Name: "failing",
				Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
					return "", tt.err
				},
			})

			final := lastChunk(t, collect(t, d.Dispatch(context.Background(), Invocation{Tool: "failing"})))
			if final.Result == nil || !final.Result.IsError {
				t.Fatalf("final chunk = %+v, want error result", final)
			}
			if final.Result.Failure != tt.wantFailure {
				t.Errorf("failure = %q, want %q", final.Result.Failure, tt.wantFailure)
			}
			if final.Result.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", final.Result.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestDispatchPanicRecovered(t *testing.T) {
	d := New(Options{})
	d.Register(ToolDef{
		Name: "explosive",
		Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
			panic("kaboom")
		},
	})

	final := lastChunk(t, collect(t, d.Dispatch(context.Background(), Invocation{Tool: "explosive"})))
	if final.Result == nil || !final.Result.IsError {
		t.Fatalf("final chunk = %+v, want error result", final)
	}
	if final.Result.Failure != models.FailurePanic {
		t.Errorf("failure = %q, want %q", final.Result.Failure, models.FailurePanic)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := New(Options{})

	final := lastChunk(t, collect(t, d.Dispatch(context.Background(), Invocation{Tool: "ghost"})))
	if final.Result == nil || !final.Result.IsError {
		t.Fatalf("final chunk = %+v, want error result", final)
	}
	if final.Result.Failure != models.FailureExecution {
		t.Errorf("failure = %q", final.Result.Failure)
	}
}

func TestDispatchArgumentValidation(t *testing.T) {
	var ran atomic.Bool
	d := New(Options{})
	err := d.Register(ToolDef{
		Name: "typed",
		InputSchema: `{
			"type": "object",
			"required": ["query"],
			"properties": {"query": {"type": "string"}}
		}`,
		Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
			ran.Store(true)
			return "ok", nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	final := lastChunk(t, collect(t, d.Dispatch(context.Background(), Invocation{
		Tool:      "typed",
		Arguments: json.RawMessage(`{"query": 42}`),
	})))
	if final.Result.Failure != models.FailureInvalidArguments {
		t.Fatalf("failure = %q, want %q", final.Result.Failure, models.FailureInvalidArguments)
	}
	if ran.Load() {
		t.Error("handler ran despite invalid arguments")
	}

	final = lastChunk(t, collect(t, d.Dispatch(context.Background(), Invocation{
		Tool:      "typed",
		Arguments: json.RawMessage(`{"query": "go"}`),
	})))
	if final.Result.IsError {
		t.Fatalf("valid arguments rejected: %s", final.Result.Content)
	}
	if !ran.Load() {
		t.Error("handler did not run for valid arguments")
	}
}

func TestRegisterBadSchema(t *testing.T) {
	d := New(Options{})
	err := d.Register(ToolDef{
		Name:        "broken",
		InputSchema: `{"type": ["not a type"]}`,
		Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
			return "", nil
		},
	})
	if err == nil {
		t.Fatal("Register() accepted a malformed schema")
	}
}

func TestDispatchCarriesSession(t *testing.T) {
	want := &session.Session{
		Credentials: session.Credentials{BaseURL: "https://api.example.test", Token: "tok"},
		Mode:        policy.ModeReadWrite,
	}

	var got atomic.Pointer[session.Session]
	d := New(Options{})
	d.Register(ToolDef{
		Name: "introspect",
		Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
			got.Store(session.FromContext(ctx))
			return "", nil
		},
	})

	ctx := session.WithSession(context.Background(), want)
	collect(t, d.Dispatch(ctx, Invocation{Tool: "introspect"}))

	if got.Load() != want {
		t.Error("tool body did not observe the dispatching session snapshot")
	}
}

func TestDispatchFansEventsIntoSessionBus(t *testing.T) {
	sessBus := events.NewBus(nil)
	var progressed, texted atomic.Int64
	var sawCompleted atomic.Bool
	sessBus.RegisterProgress(events.FuncSink[models.ProgressEvent](func(ctx context.Context, ev models.ProgressEvent) {
		progressed.Add(1)
		if ev.Status == models.StatusCompleted {
			sawCompleted.Store(true)
		}
	}))
	sessBus.RegisterText(events.FuncSink[models.TextEvent](func(ctx context.Context, ev models.TextEvent) {
		if ev.Text == "partial" {
			texted.Add(1)
		}
	}))

	d := New(Options{})
	d.Register(ToolDef{
		Name: "emit",
		Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
			exec.Emitter().Progress(ctx, models.ProgressEvent{Status: models.StatusRunning, CurrentStep: "working"})
			exec.Emitter().Text(ctx, "partial", false)
			return "done", nil
		},
	})

	sess := &session.Session{Mode: policy.ModeReadOnly, Bus: sessBus}
	ctx := session.WithSession(context.Background(), sess)
	chunks := collect(t, d.Dispatch(ctx, Invocation{Tool: "emit"}))

	if final := lastChunk(t, chunks); final.Result == nil || final.Result.IsError {
		t.Fatalf("final chunk = %+v, want clean result", final)
	}
	if progressed.Load() == 0 {
		t.Error("session bus saw no progress events")
	}
	if !sawCompleted.Load() {
		t.Error("session bus missed the terminal progress event")
	}
	if texted.Load() != 1 {
		t.Errorf("session bus saw %d text events, want 1", texted.Load())
	}
}

func TestDispatchCountsStreamOverflow(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	emitted := make(chan struct{})

	d := New(Options{ChunkBuffer: 1, Metrics: m})
	d.Register(ToolDef{
		Name: "flood",
		Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
			for i := 0; i < 5; i++ {
				exec.Emitter().Text(ctx, "line", false)
			}
			close(emitted)
			return "done", nil
		},
	})

	stream := d.Dispatch(context.Background(), Invocation{Tool: "flood"})
	<-emitted
	collect(t, stream)

	if got := testutil.ToFloat64(m.EventsDropped.WithLabelValues("stream")); got < 1 {
		t.Errorf("stream drop count = %v, want at least 1", got)
	}
}

func TestDispatchDefaultSessionWhenAbsent(t *testing.T) {
	t.Setenv(session.EnvBaseURL, "")
	t.Setenv(session.EnvToken, "")

	var observed atomic.Pointer[session.Session]
	d := New(Options{})
	d.Register(ToolDef{
		Name: "introspect",
		Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
			observed.Store(exec.Session())
			return "", nil
		},
	})

	final := lastChunk(t, collect(t, d.Dispatch(context.Background(), Invocation{Tool: "introspect"})))
	if final.Result.IsError {
		t.Fatalf("dispatch without session failed: %s", final.Result.Content)
	}
	sess := observed.Load()
	if sess == nil {
		t.Fatal("tool body saw no session")
	}
	if sess.Mode != policy.ModeReadOnly {
		t.Errorf("default session mode = %q, want read-only", sess.Mode)
	}
	if !sess.Credentials.Empty() {
		t.Errorf("default session has credentials: %+v", sess.Credentials)
	}
}

func TestDispatchConcurrencyBound(t *testing.T) {
	var active, peak atomic.Int64
	d := New(Options{Concurrency: 2})
	d.Register(ToolDef{
		Name: "slow",
		Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return "", nil
		},
	})

	streams := make([]<-chan models.ResponseChunk, 6)
	for i := range streams {
		streams[i] = d.Dispatch(context.Background(), Invocation{Tool: "slow"})
	}
	for _, stream := range streams {
		collect(t, stream)
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestDispatchCancelledBeforeSlot(t *testing.T) {
	d := New(Options{Concurrency: 1})
	block := make(chan struct{})
	d.Register(ToolDef{
		Name: "blocker",
		Handler: func(ctx context.Context, exec *Execution, args json.RawMessage) (string, error) {
			<-block
			return "", nil
		},
	})

	first := d.Dispatch(context.Background(), Invocation{Tool: "blocker"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	final := lastChunk(t, collect(t, d.Dispatch(ctx, Invocation{Tool: "blocker"})))
	if final.Result == nil || !final.Result.IsError {
		t.Fatalf("final chunk = %+v, want error result", final)
	}

	close(block)
	collect(t, first)
}

func TestClassifyRemoteError(t *testing.T) {
	err := fmt.Errorf("call: %w", &mcp.RemoteError{Code: mcp.CodeInternalError, Message: "backend down"})
	if kind := Classify(err); kind != models.FailureRemoteError {
		t.Errorf("Classify() = %q, want %q", kind, models.FailureRemoteError)
	}
}
