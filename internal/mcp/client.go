package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Client is a connection to a single remote tool server. It caches the
// server's tool list after Connect and exposes the raw Call used by the
// bridge.
type Client struct {
	config    *ConnConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
}

// NewClient creates a client for the given connection config.
func NewClient(cfg *ConnConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: newTransport(cfg),
		logger:    logger.With("component", "mcp", "conn", cfg.Name),
	}
}

// Connect establishes the transport, performs the protocol handshake, and
// caches the server's tools.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "strand",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("tool list refresh failed", "error", err)
	}

	c.logger.Info("connected",
		"server", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connected reports whether the underlying transport is usable.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Config returns the connection configuration.
func (c *Client) Config() *ConnConfig {
	return c.config
}

// ServerInfo returns the remote implementation's identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Call performs one raw protocol call. This is the capability the bridge
// schedules onto a dispatch loop; callers outside the loop should go
// through bridge.Loop.Invoke instead.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.transport.Call(ctx, method, params)
}

// RefreshTools re-fetches and caches the server's tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp listToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tool list: %w", err)
	}
	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	c.logger.Debug("tools refreshed", "count", len(resp.Tools))
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Tool looks up a cached tool by name.
func (c *Client) Tool(name string) (*Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// CallTool invokes a remote tool by name. Arguments may be nil.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*CallToolResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		raw, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = raw
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var callResult CallToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &callResult, nil
}

// Ping checks liveness of the remote side.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Call(ctx, "ping", nil)
	return err
}

// Notifications delivers server-initiated messages.
func (c *Client) Notifications() <-chan *Notification {
	return c.transport.Notifications()
}
