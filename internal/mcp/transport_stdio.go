package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// stdioTransport runs the server as a subprocess and frames JSON-RPC
// messages as newline-delimited JSON on its stdio.
type stdioTransport struct {
	config *ConnConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *jsonrpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	notifs    chan *Notification
	connected atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newStdioTransport(cfg *ConnConfig) *stdioTransport {
	return &stdioTransport{
		config:  cfg,
		logger:  slog.Default().With("component", "mcp", "transport", "stdio", "conn", cfg.Name),
		pending: make(map[int64]chan *jsonrpcResponse),
		notifs:  make(chan *Notification, 100),
		stop:    make(chan struct{}),
	}
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	if err := t.config.Validate(); err != nil {
		return err
	}

	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, k+"="+v)
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	t.connected.Store(true)
	t.logger.Debug("server process started", "command", t.config.Command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)
	if stderr != nil {
		t.wg.Add(1)
		go t.drainStderr(stderr)
	}
	return nil
}

func (t *stdioTransport) Close() error {
	t.connected.Store(false)
	t.closeOnce.Do(func() { close(t.stop) })

	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		t.process.Process.Kill()
	}
	t.wg.Wait()
	return nil
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := t.nextID.Add(1)
	respCh := make(chan *jsonrpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeFrame(jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	timeout := t.config.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stop:
		return nil, ErrNotConnected
	}
}

func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return t.writeFrame(Notification{JSONRPC: "2.0", Method: method, Params: raw})
}

func (t *stdioTransport) writeFrame(envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *stdioTransport) Notifications() <-chan *Notification {
	return t.notifs
}

func (t *stdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		if line := scanner.Bytes(); len(line) > 0 {
			t.dispatch(line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("stdout closed", "error", err)
	}
}

// dispatch routes one inbound frame to its pending call or, for frames
// without an ID, the notification channel.
func (t *stdioTransport) dispatch(line []byte) {
	var resp jsonrpcResponse
	if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
		id, ok := numericID(resp.ID)
		if !ok {
			t.logger.Warn("response with non-numeric id", "id", resp.ID)
			return
		}
		t.pendingMu.Lock()
		ch, found := t.pending[id]
		if found {
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		if found {
			ch <- &resp
		}
		return
	}

	var notif Notification
	if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
		select {
		case t.notifs <- &notif:
		default:
			t.logger.Warn("notification buffer full, dropping", "method", notif.Method)
		}
	}
}

func numericID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func (t *stdioTransport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}
