// Package bridge is the crossing point between synchronous tool bodies and
// the per-connection dispatch loop that owns all remote protocol I/O.
//
// Each connection is bound to exactly one Loop. Worker goroutines call
// Invoke, which authorizes the call, schedules it onto the loop's queue,
// and blocks until a result arrives or the caller's timeout expires. Calls
// on one loop execute strictly first-scheduled-first-run; concurrent
// Invokes against different loops never interfere.
//
// Timeouts are caller-local by design: the caller stops waiting, the loop
// keeps running, and a result arriving after the wait ended is absorbed by
// the job's one-slot buffer and discarded rather than delivered late.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/policy"
)

var (
	// ErrConnectionUnavailable means no connection or dispatch loop is
	// bound for the call. Fatal to the call, not to the session.
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// ErrCallTimeout means the caller's wait expired. The remote operation
	// may still complete; its result is discarded. Recoverable by retry.
	ErrCallTimeout = errors.New("call timeout")
)

// Caller is the async remote capability a loop drives. *mcp.Client
// implements it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// DefaultQueueDepth bounds how many calls may be scheduled ahead of the
// one executing.
const DefaultQueueDepth = 64

type callResult struct {
	result json.RawMessage
	err    error
}

type job struct {
	method string
	params any
	// started flips once the loop commits to executing the call. A waiter
	// that sees the loop stop afterward still collects the result.
	started atomic.Bool
	// done has capacity 1 so the loop never blocks delivering a result the
	// caller stopped waiting for.
	done chan callResult
}

// Loop serializes all remote calls for one connection onto a single
// goroutine.
type Loop struct {
	conn      Caller
	queue     chan *job
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// LoopOptions tune a Loop.
type LoopOptions struct {
	// QueueDepth bounds the pending-call queue. Default DefaultQueueDepth.
	QueueDepth int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewLoop starts the dispatch goroutine for conn. The caller owns the
// returned Loop and must Close it to release the goroutine.
func NewLoop(conn Caller, opts LoopOptions) *Loop {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loop{
		conn:    conn,
		queue:   make(chan *job, depth),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger.With("component", "bridge"),
		metrics: opts.Metrics,
	}
	go l.run()
	return l
}

// run is the loop body: execute queued calls one at a time, in scheduling
// order, until Close.
func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.stop:
			return
		case j := <-l.queue:
			select {
			case <-l.stop:
				j.done <- callResult{err: fmt.Errorf("%w: dispatch loop closed", ErrConnectionUnavailable)}
				return
			default:
			}
			j.started.Store(true)
			start := time.Now()
			result, err := l.conn.Call(context.Background(), j.method, j.params)
			status := "ok"
			if err != nil {
				status = "error"
			}
			l.metrics.ObserveCall(j.method, status, time.Since(start))
			// Capacity-1 channel: delivery never blocks, late results are
			// simply left for garbage collection.
			j.done <- callResult{result: result, err: err}
		}
	}
}

// Close stops the loop. In-flight work finishes and the waiting caller
// still receives its result; queued jobs are abandoned and their callers
// receive ErrConnectionUnavailable. Safe to call more than once.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.stop) })
	<-l.stopped
}

// Invoke schedules a remote call onto the loop and blocks the calling
// goroutine until it completes or timeout elapses.
//
// The call is authorized against mode before anything is scheduled; a
// denial returns policy.ErrReadOnlyViolation without touching the loop.
// A nil loop or connection returns ErrConnectionUnavailable synchronously.
//
// timeout >= 0 bounds the wait (0 expires immediately unless the result is
// already available); timeout < 0 waits until ctx is done.
func (l *Loop) Invoke(ctx context.Context, mode policy.Mode, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := policy.Authorize(mode, method); err != nil {
		l.observeDenial(method)
		return nil, err
	}
	if l == nil || l.conn == nil {
		return nil, fmt.Errorf("%w: no dispatch loop bound", ErrConnectionUnavailable)
	}

	var expire <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	j := &job{method: method, params: params, done: make(chan callResult, 1)}

	select {
	case l.queue <- j:
	case <-l.stop:
		return nil, fmt.Errorf("%w: dispatch loop closed", ErrConnectionUnavailable)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expire:
		l.metrics.ObserveCall(method, "timeout", 0)
		return nil, fmt.Errorf("%w: %s not scheduled within %v", ErrCallTimeout, method, timeout)
	}

	select {
	case res := <-j.done:
		return res.result, res.err
	case <-l.stop:
		if j.started.Load() {
			// The loop committed to this call before stopping; its result
			// is still delivered on done.
			select {
			case res := <-j.done:
				return res.result, res.err
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-expire:
				l.metrics.ObserveCall(method, "timeout", timeout)
				return nil, fmt.Errorf("%w: %s after %v", ErrCallTimeout, method, timeout)
			}
		}
		return nil, fmt.Errorf("%w: dispatch loop closed", ErrConnectionUnavailable)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expire:
		l.metrics.ObserveCall(method, "timeout", timeout)
		return nil, fmt.Errorf("%w: %s after %v", ErrCallTimeout, method, timeout)
	}
}

func (l *Loop) observeDenial(method string) {
	if l == nil {
		return
	}
	l.metrics.DenyCall(method)
}
