package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strandlabs/strand/internal/bridge"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/mcp"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/registry"
	"github.com/strandlabs/strand/internal/runtime"
	"github.com/strandlabs/strand/internal/session"
	"github.com/strandlabs/strand/pkg/models"
)

// stack is the assembled core: primary connection, dispatcher, and the
// session every incoming invocation runs under.
type stack struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	client     *mcp.Client
	loop       *bridge.Loop
	registry   *registry.Registry
	dispatcher *runtime.Dispatcher
	sess       *session.Session
}

// buildStack wires the core together from config. A missing primary base URL
// is allowed; invocations that reach the primary connection then fail with a
// structured connection_unavailable result instead of an error at startup.
func buildStack(ctx context.Context, cfg *config.Config, withMetrics bool) (*stack, error) {
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	var metrics *observability.Metrics
	if withMetrics && cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	s := &stack{cfg: cfg, logger: logger, metrics: metrics}
	s.sess = cfg.Session()

	if cfg.API.BaseURL != "" {
		client := mcp.NewClient(&mcp.ConnConfig{
			Name:      "primary",
			Transport: mcp.TransportHTTP,
			BaseURL:   cfg.API.BaseURL,
			Token:     cfg.API.Token,
			Timeout:   cfg.API.Timeout,
		}, logger)
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect primary: %w", err)
		}
		s.client = client
		s.loop = bridge.NewLoop(client, bridge.LoopOptions{
			QueueDepth: cfg.Bridge.QueueDepth,
			Logger:     logger,
			Metrics:    metrics,
		})
		s.sess.Conn = client
		s.sess.Loop = s.loop
	}

	s.registry = registry.New(registry.MCPFactory(logger, cfg.API.Timeout), registry.Options{
		Logger:     logger,
		Metrics:    metrics,
		QueueDepth: cfg.Bridge.QueueDepth,
	})
	s.dispatcher = runtime.New(runtime.Options{
		Registry:    s.registry,
		Concurrency: cfg.Runtime.Concurrency,
		ChunkBuffer: cfg.Runtime.ChunkBuffer,
		Logger:      logger,
		Metrics:     metrics,
	})

	if err := registerBuiltinTools(s.dispatcher, cfg.Bridge.CallTimeout); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *stack) close() {
	s.registry.CleanupAll()
	if s.loop != nil {
		s.loop.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

// registerBuiltinTools installs the passthrough tool that forwards an
// invocation to a named tool on the primary connection.
func registerBuiltinTools(d *runtime.Dispatcher, callTimeout time.Duration) error {
	return d.Register(runtime.ToolDef{
		Name:        "call_tool",
		Description: "Invoke a named tool on the primary connection",
		InputSchema: `{
			"type": "object",
			"required": ["name"],
			"properties": {
				"name": {"type": "string"},
				"arguments": {"type": "object"}
			}
		}`,
		Handler: func(ctx context.Context, exec *runtime.Execution, args json.RawMessage) (string, error) {
			var req struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			if err := json.Unmarshal(args, &req); err != nil {
				return "", err
			}
			exec.Emitter().Progress(ctx, models.ProgressEvent{
				Status:      models.StatusRunningTool,
				CurrentStep: "calling " + req.Name,
			})
			result, err := exec.CallTool(ctx, req.Name, req.Arguments, callTimeout)
			if err != nil {
				return "", err
			}
			if result.IsError {
				return "", fmt.Errorf("tool %s failed: %s", req.Name, result.Text())
			}
			return result.Text(), nil
		},
	})
}

// runServe starts the invocation server and blocks until shutdown.
func runServe(ctx context.Context, configPath, listen string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildStack(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer s.close()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoke", s.handleInvoke)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("invocation server listening", "addr", listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// handleInvoke dispatches one invocation and streams its chunks over SSE.
func (s *stack) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var inv runtime.Invocation
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		http.Error(w, "invalid invocation body: "+err.Error(), http.StatusBadRequest)
		return
	}

	writer, err := runtime.NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx := session.WithSession(r.Context(), s.sess)
	if err := writer.Drain(s.dispatcher.Dispatch(ctx, inv)); err != nil {
		s.logger.Debug("client disconnected mid-stream", "error", err)
	}
}

func (s *stack) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.client != nil {
		status["primary_connected"] = s.client.Connected()
	}
	status["spawned_connections"] = s.registry.Len()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// runTools lists the tools advertised by the primary connection.
func runTools(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("no primary connection configured (set api.base_url or %s)", session.EnvBaseURL)
	}

	s, err := buildStack(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer s.close()

	tools := s.client.Tools()
	if len(tools) == 0 {
		fmt.Println("no tools advertised")
		return nil
	}
	for _, tool := range tools {
		fmt.Printf("%-24s %s\n", tool.Name, tool.Description)
	}
	return nil
}

// runCall dispatches one tool invocation and prints its event stream.
func runCall(ctx context.Context, configPath, toolName, argsJSON string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	s, err := buildStack(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer s.close()

	arguments := json.RawMessage(`{}`)
	if argsJSON != "" {
		if !json.Valid([]byte(argsJSON)) {
			return fmt.Errorf("--args is not valid JSON")
		}
		arguments = json.RawMessage(argsJSON)
	}
	payload, err := json.Marshal(map[string]any{
		"name":      toolName,
		"arguments": arguments,
	})
	if err != nil {
		return err
	}

	ctx = session.WithSession(ctx, s.sess)
	stream := s.dispatcher.Dispatch(ctx, runtime.Invocation{
		Tool:      "call_tool",
		Arguments: payload,
	})

	encoder := json.NewEncoder(os.Stdout)
	var failed bool
	for chunk := range stream {
		if err := encoder.Encode(chunk); err != nil {
			return err
		}
		if chunk.Result != nil && chunk.Result.IsError {
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("invocation failed")
	}
	return nil
}
