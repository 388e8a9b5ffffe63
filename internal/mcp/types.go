// Package mcp implements the remote tool connection: a JSON-RPC client for
// the Model Context Protocol with HTTP(+SSE) and stdio transports.
//
// The core treats a connection as an opaque async capability bound to one
// dispatch loop; see internal/bridge for the crossing point worker threads
// use to invoke it.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// protocolVersion is the MCP revision this client speaks.
const protocolVersion = "2024-11-05"

// TransportKind selects the wire transport for a connection.
type TransportKind string

const (
	TransportHTTP  TransportKind = "http"
	TransportStdio TransportKind = "stdio"
)

// ConnConfig describes one remote connection.
type ConnConfig struct {
	// Name labels the connection in logs. Optional.
	Name string `yaml:"name" json:"name,omitempty"`

	Transport TransportKind `yaml:"transport" json:"transport,omitempty"`

	// HTTP transport options.
	BaseURL string            `yaml:"base_url" json:"base_url,omitempty"`
	Token   string            `yaml:"token" json:"-"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// Stdio transport options.
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// Timeout bounds individual transport round trips.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate checks the configuration for the selected transport.
func (c *ConnConfig) Validate() error {
	switch c.Transport {
	case TransportStdio:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case TransportHTTP, "":
		if strings.TrimSpace(c.BaseURL) == "" {
			return fmt.Errorf("http transport requires a base_url")
		}
		if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
			return fmt.Errorf("base_url must be http or https: %q", c.BaseURL)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

// JSON-RPC 2.0 framing.

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// Notification is a server-initiated message with no response expected.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RemoteError is an error reported by the remote side of a connection. It
// is propagated verbatim to the caller and matched with errors.As.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ServerInfo identifies the remote implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// Tool is a remote tool descriptor as returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// CallToolParams are the parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentItem is one element of a tool result payload.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Text flattens a call result into a single string. Non-text content falls
// back to its JSON encoding.
func (r *CallToolResult) Text() string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	var b strings.Builder
	allText := true
	for _, item := range r.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(item.Text)
	}
	if allText {
		return b.String()
	}
	payload, err := json.Marshal(r.Content)
	if err != nil {
		return ""
	}
	return string(payload)
}
