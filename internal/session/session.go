// Package session carries per-invocation state — credentials, sandbox
// mode, output location, connection handles, event sinks — across the
// dispatch boundary into worker goroutines.
//
// A Session is an immutable snapshot. The dispatcher attaches it to the
// context it hands the worker; nothing is stored in goroutine-local state,
// so state can never leak between concurrently active sessions. Code that
// runs without an attached session gets a safe, low-privilege default:
// read-only mode, credentials from the environment or none, and a fallback
// output directory created on demand.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strandlabs/strand/internal/bridge"
	"github.com/strandlabs/strand/internal/events"
	"github.com/strandlabs/strand/internal/mcp"
	"github.com/strandlabs/strand/internal/policy"
)

// Environment variables consumed by the default session only. An attached
// session never reads the environment.
const (
	EnvBaseURL   = "STRAND_API_URL"
	EnvToken     = "STRAND_API_TOKEN"
	EnvOutputDir = "STRAND_OUTPUT_DIR"
)

// Credentials locate and authenticate against the remote API. The zero
// value means "absent".
type Credentials struct {
	BaseURL string
	Token   string
}

// Empty reports whether no credentials are present.
func (c Credentials) Empty() bool {
	return c.BaseURL == "" && c.Token == ""
}

// Session is the immutable per-invocation snapshot. Build one with the
// struct literal at session start; replace rather than mutate. In-flight
// invocations that captured the old value keep seeing it.
type Session struct {
	Credentials Credentials

	// Mode governs the primary connection's sandbox policy.
	Mode policy.Mode

	// OutputDir is where tools place artifacts. Empty means "resolve the
	// fallback on first use".
	OutputDir string

	// Conn is the primary remote connection. Nil before first use.
	Conn *mcp.Client

	// Loop owns async execution for the primary connection. Nil when no
	// connection is bound; bridge.Invoke reports ErrConnectionUnavailable.
	Loop *bridge.Loop

	// Bus delivers progress, text, and token events. Nil drops silently.
	Bus *events.Bus
}

type sessionKey struct{}

// WithSession attaches s to ctx. Attaching nil is a no-op.
func WithSession(ctx context.Context, s *Session) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the attached session, or the low-privilege default
// when none is attached. Never nil, never an error.
func FromContext(ctx context.Context) *Session {
	if s, ok := ctx.Value(sessionKey{}).(*Session); ok && s != nil {
		return s
	}
	return Default()
}

// Attached reports whether ctx carries an explicit session.
func Attached(ctx context.Context) bool {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return ok && s != nil
}

// Default builds the fallback session: read-only, environment credentials
// when present, no connection. Absence of explicit context must fall back
// here, never to another session's state.
func Default() *Session {
	return &Session{
		Credentials: Credentials{
			BaseURL: os.Getenv(EnvBaseURL),
			Token:   os.Getenv(EnvToken),
		},
		Mode:      policy.ModeReadOnly,
		OutputDir: os.Getenv(EnvOutputDir),
	}
}

// EnsureOutputDir resolves the session's output directory, creating it if
// needed. An empty OutputDir resolves to the user cache fallback.
func (s *Session) EnsureOutputDir() (string, error) {
	dir := s.OutputDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "strand", "artifacts")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// Invoke performs a remote call on the session's primary connection under
// the session's mode. This is the only way tool bodies reach the primary
// connection.
func (s *Session) Invoke(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return s.Loop.Invoke(ctx, s.Mode, method, params, timeout)
}
