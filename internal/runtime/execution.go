package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/strandlabs/strand/internal/mcp"
	"github.com/strandlabs/strand/internal/policy"
	"github.com/strandlabs/strand/internal/registry"
	"github.com/strandlabs/strand/internal/session"
)

// Execution is the facade a tool body works through: the session's primary
// connection, the spawned-connection registry, the event emitter, and the
// artifact directory. It carries no mutable dispatcher state, so tool bodies
// can hold it across blocking calls.
type Execution struct {
	sess *session.Session
	reg  *registry.Registry
	em   *Emitter
}

// Session returns the immutable session snapshot this invocation runs under.
func (x *Execution) Session() *session.Session {
	return x.sess
}

// Emitter returns the invocation's event producer.
func (x *Execution) Emitter() *Emitter {
	return x.em
}

// Invoke performs a raw protocol call on the primary connection under the
// session's mode.
func (x *Execution) Invoke(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return x.sess.Invoke(ctx, method, params, timeout)
}

// CallTool invokes a remote tool on the primary connection and records the
// call in the progress history.
func (x *Execution) CallTool(ctx context.Context, name string, arguments map[string]any, timeout time.Duration) (*mcp.CallToolResult, error) {
	params := mcp.CallToolParams{Name: name}
	if arguments != nil {
		raw, err := json.Marshal(arguments)
		if err != nil {
			return nil, err
		}
		params.Arguments = raw
	}

	x.em.RecordToolCall(name)
	raw, err := x.sess.Invoke(ctx, "tools/call", params, timeout)
	if err != nil {
		return nil, err
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Spawn creates an auxiliary connection with its own sandbox mode. The tool
// body owns it and must CloseConn it; the dispatcher does not track spawned
// connections, only SubAgent does.
func (x *Execution) Spawn(ctx context.Context, baseURL, token string, mode policy.Mode) (string, error) {
	return x.reg.Spawn(ctx, baseURL, token, mode)
}

// CallConn invokes a method on a spawned connection under that connection's
// own mode.
func (x *Execution) CallConn(ctx context.Context, id, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return x.reg.Call(ctx, id, method, params, timeout)
}

// CloseConn tears down a spawned connection.
func (x *Execution) CloseConn(id string) bool {
	return x.reg.Close(id)
}

// OutputDir resolves and creates the invocation's artifact directory.
func (x *Execution) OutputDir() (string, error) {
	return x.sess.EnsureOutputDir()
}
