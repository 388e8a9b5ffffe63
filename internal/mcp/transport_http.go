package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultHTTPTimeout = 30 * time.Second

// httpTransport speaks JSON-RPC over HTTP POST and listens for
// server-initiated notifications on an SSE side channel.
type httpTransport struct {
	config *ConnConfig
	logger *slog.Logger
	client *http.Client

	// sseClient has no overall timeout; the event stream stays open
	// for the life of the connection.
	sseClient *http.Client

	notifs    chan *Notification
	connected atomic.Bool
	stop      chan struct{}
	sseCancel context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newHTTPTransport(cfg *ConnConfig) *httpTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &httpTransport{
		config:    cfg,
		logger:    slog.Default().With("component", "mcp", "transport", "http", "conn", cfg.Name),
		client:    &http.Client{Timeout: timeout},
		sseClient: &http.Client{},
		notifs:    make(chan *Notification, 100),
		stop:      make(chan struct{}),
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	if err := t.config.Validate(); err != nil {
		return err
	}
	t.connected.Store(true)

	// The side channel outlives the Connect call; Close cancels it so an
	// idle stream cannot park the reader goroutine.
	sseCtx, cancel := context.WithCancel(context.Background())
	t.sseCancel = cancel
	t.wg.Add(1)
	go t.sseLoop(sseCtx)

	return nil
}

func (t *httpTransport) Close() error {
	t.connected.Store(false)
	t.closeOnce.Do(func() {
		close(t.stop)
		if t.sseCancel != nil {
			t.sseCancel()
		}
	})
	t.wg.Wait()
	return nil
}

func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	body, err := t.post(ctx, jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp jsonrpcResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (t *httpTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	body, err := t.post(ctx, Notification{JSONRPC: "2.0", Method: method, Params: raw})
	if err != nil {
		return err
	}
	return body.Close()
}

// post sends one JSON-RPC envelope and returns the response body.
func (t *httpTransport) post(ctx context.Context, envelope any) (io.ReadCloser, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp.Body, nil
}

func (t *httpTransport) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if t.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.Token)
	}
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
}

func (t *httpTransport) Notifications() <-chan *Notification {
	return t.notifs
}

func (t *httpTransport) Connected() bool {
	return t.connected.Load()
}

// sseLoop maintains the notification side channel, reconnecting with a
// fixed backoff until the transport closes.
func (t *httpTransport) sseLoop(ctx context.Context) {
	defer t.wg.Done()

	sseURL := strings.TrimSuffix(t.config.BaseURL, "/") + "/sse"
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		default:
		}

		t.readSSE(ctx, sseURL)

		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (t *httpTransport) readSSE(ctx context.Context, sseURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.setHeaders(req)
	req.Header.Set("Content-Type", "")

	resp, err := t.sseClient.Do(req)
	if err != nil {
		t.logger.Debug("sse connect failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("sse endpoint unavailable", "status", resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		default:
		}

		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var notif Notification
		if err := json.Unmarshal([]byte(data), &notif); err != nil || notif.Method == "" {
			continue
		}
		select {
		case t.notifs <- &notif:
		default:
			t.logger.Warn("notification buffer full, dropping", "method", notif.Method)
		}
	}
}
