// Package registry tracks dynamically spawned auxiliary connections: an
// arena of owned resources keyed by generated identifier, with safe
// concurrent spawn, call, close, and bulk cleanup.
//
// The identifier→connection map is the one piece of mutable shared state;
// its mutex covers map mutation only. Connection construction and teardown
// I/O happen outside the critical section so one slow connection never
// blocks unrelated operations.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/internal/bridge"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/policy"
)

// ErrUnknownConnection is returned by Call for an identifier with no live
// connection. Fatal to that call only.
var ErrUnknownConnection = errors.New("unknown connection")

// Conn is an owned remote connection: the bridge capability plus teardown.
type Conn interface {
	bridge.Caller
	Close() error
}

// Factory constructs and activates a connection. Invoked by Spawn outside
// the registry lock.
type Factory func(ctx context.Context, baseURL, token string, mode policy.Mode) (Conn, error)

// entry owns one spawned connection and its dispatch loop.
type entry struct {
	id        string
	conn      Conn
	loop      *bridge.Loop
	baseURL   string
	mode      policy.Mode
	createdAt time.Time
}

func (e *entry) teardown() {
	e.loop.Close()
	if err := e.conn.Close(); err != nil {
		// Best effort; the entry is already unreachable.
		slog.Default().Debug("connection teardown", "conn_id", e.id, "error", err)
	}
}

// ConnInfo describes a live connection for status reporting.
type ConnInfo struct {
	ID        string      `json:"id"`
	BaseURL   string      `json:"base_url"`
	Mode      policy.Mode `json:"mode"`
	CreatedAt time.Time   `json:"created_at"`
}

// Registry is the arena of spawned connections for one session.
type Registry struct {
	factory    Factory
	logger     *slog.Logger
	metrics    *observability.Metrics
	queueDepth int

	mu    sync.RWMutex
	conns map[string]*entry
}

// Options tune a Registry.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// QueueDepth is passed through to each connection's dispatch loop.
	QueueDepth int
}

// New creates a registry using factory to build connections.
func New(factory Factory, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory:    factory,
		logger:     logger.With("component", "registry"),
		metrics:    opts.Metrics,
		queueDepth: opts.QueueDepth,
		conns:      make(map[string]*entry),
	}
}

// Spawn creates and activates a new connection with its own sandbox mode,
// returning a fresh identifier that collides with no currently-live one.
func (r *Registry) Spawn(ctx context.Context, baseURL, token string, mode policy.Mode) (string, error) {
	if r.factory == nil {
		return "", fmt.Errorf("registry has no connection factory")
	}
	if !mode.Valid() {
		return "", fmt.Errorf("invalid mode %q", mode)
	}

	conn, err := r.factory(ctx, baseURL, token, mode)
	if err != nil {
		return "", fmt.Errorf("spawn connection: %w", err)
	}

	e := &entry{
		conn:      conn,
		loop:      bridge.NewLoop(conn, bridge.LoopOptions{QueueDepth: r.queueDepth, Logger: r.logger, Metrics: r.metrics}),
		baseURL:   baseURL,
		mode:      mode,
		createdAt: time.Now(),
	}

	r.mu.Lock()
	for {
		id := "conn-" + uuid.NewString()
		if _, exists := r.conns[id]; exists {
			continue
		}
		e.id = id
		r.conns[id] = e
		break
	}
	r.mu.Unlock()

	r.metrics.ConnSpawned()
	r.logger.Info("connection spawned", "conn_id", e.id, "mode", mode)
	return e.id, nil
}

// Call invokes a remote method on the connection identified by id, under
// that connection's own mode, independent of the session's primary mode.
func (r *Registry) Call(ctx context.Context, id, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, id)
	}
	return e.loop.Invoke(ctx, e.mode, method, params, timeout)
}

// Close tears down the connection identified by id and reports whether it
// existed. Closing an absent identifier is not an error.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	e, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.teardown()
	r.metrics.ConnClosed()
	r.logger.Info("connection closed", "conn_id", id)
	return true
}

// CleanupAll closes every live connection. Invoked unconditionally at
// session end; tolerant of connections already closed individually, and
// teardown errors are swallowed.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	doomed := r.conns
	r.conns = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range doomed {
		e.teardown()
		r.metrics.ConnClosed()
		r.logger.Debug("connection cleaned up", "conn_id", id)
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List describes the live connections, for status surfaces.
func (r *Registry) List() []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(r.conns))
	for _, e := range r.conns {
		infos = append(infos, ConnInfo{
			ID:        e.id,
			BaseURL:   e.baseURL,
			Mode:      e.mode,
			CreatedAt: e.createdAt,
		})
	}
	return infos
}
