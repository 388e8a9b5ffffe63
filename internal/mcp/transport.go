package mcp

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConnected is returned by transport operations before Connect or
// after Close.
var ErrNotConnected = errors.New("transport not connected")

// Transport is the wire layer beneath a Client.
type Transport interface {
	// Connect establishes the transport.
	Connect(ctx context.Context) error

	// Close tears the transport down. Safe to call more than once.
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a one-way notification.
	Notify(ctx context.Context, method string, params any) error

	// Notifications delivers server-initiated messages.
	Notifications() <-chan *Notification

	// Connected reports whether the transport is usable.
	Connected() bool
}

// newTransport selects the transport for a connection config.
func newTransport(cfg *ConnConfig) Transport {
	if cfg.Transport == TransportStdio {
		return newStdioTransport(cfg)
	}
	return newHTTPTransport(cfg)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
