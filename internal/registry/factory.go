package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/strandlabs/strand/internal/mcp"
	"github.com/strandlabs/strand/internal/policy"
)

// MCPFactory returns the standard connection factory: an MCP client over
// the HTTP transport, connected and handshaken before Spawn publishes its
// identifier.
func MCPFactory(logger *slog.Logger, timeout time.Duration) Factory {
	return func(ctx context.Context, baseURL, token string, mode policy.Mode) (Conn, error) {
		client := mcp.NewClient(&mcp.ConnConfig{
			Name:      "spawned",
			Transport: mcp.TransportHTTP,
			BaseURL:   baseURL,
			Token:     token,
			Timeout:   timeout,
		}, logger)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}
