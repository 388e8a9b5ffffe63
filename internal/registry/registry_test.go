package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strandlabs/strand/internal/policy"
)

// fakeConn counts calls and closes, and fails teardown on demand.
type fakeConn struct {
	calls    atomic.Int64
	closes   atomic.Int64
	closeErr error
}

func (f *fakeConn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.calls.Add(1)
	return json.RawMessage(`"ok"`), nil
}

func (f *fakeConn) Close() error {
	f.closes.Add(1)
	return f.closeErr
}

func fakeFactory(conns *sync.Map) Factory {
	return func(ctx context.Context, baseURL, token string, mode policy.Mode) (Conn, error) {
		c := &fakeConn{}
		conns.Store(c, baseURL)
		return c, nil
	}
}

func newTestRegistry(t *testing.T) (*Registry, *sync.Map) {
	t.Helper()
	var conns sync.Map
	r := New(fakeFactory(&conns), Options{})
	t.Cleanup(r.CleanupAll)
	return r, &conns
}

func TestSpawnAndCall(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Spawn(context.Background(), "https://sub.example.test", "tok", policy.ModeReadWrite)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if id == "" {
		t.Fatal("Spawn() returned empty id")
	}

	result, err := r.Call(context.Background(), id, "tools/call", nil, time.Second)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(result) != `"ok"` {
		t.Errorf("Call() result = %s", result)
	}
}

func TestSpawnIDsUnique(t *testing.T) {
	r, _ := newTestRegistry(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := r.Spawn(context.Background(), "https://x.test", "", policy.ModeReadOnly)
		if err != nil {
			t.Fatalf("Spawn() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate live id %q", id)
		}
		seen[id] = true
	}
	if r.Len() != 50 {
		t.Errorf("Len() = %d, want 50", r.Len())
	}
}

func TestSpawnFactoryError(t *testing.T) {
	r := New(func(ctx context.Context, baseURL, token string, mode policy.Mode) (Conn, error) {
		return nil, fmt.Errorf("refused")
	}, Options{})

	if _, err := r.Spawn(context.Background(), "https://x.test", "", policy.ModeReadOnly); err == nil {
		t.Fatal("Spawn() with failing factory returned nil error")
	}
	if r.Len() != 0 {
		t.Errorf("failed spawn left %d entries", r.Len())
	}
}

func TestSpawnInvalidMode(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Spawn(context.Background(), "https://x.test", "", policy.Mode("elevated")); err == nil {
		t.Fatal("Spawn() accepted an invalid mode")
	}
}

func TestCallUnknownConnection(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Call(context.Background(), "conn-missing", "ping", nil, time.Second)
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Call() error = %v, want ErrUnknownConnection", err)
	}
}

func TestCloseThenCall(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Spawn(context.Background(), "https://x.test", "", policy.ModeReadOnly)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if !r.Close(id) {
		t.Fatal("Close() = false for a live connection")
	}
	if _, err := r.Call(context.Background(), id, "ping", nil, time.Second); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Call() after Close error = %v, want ErrUnknownConnection", err)
	}
}

func TestCloseAbsent(t *testing.T) {
	r, _ := newTestRegistry(t)
	if r.Close("conn-nope") {
		t.Error("Close() = true for an absent id")
	}
}

func TestConnectionModeIndependentOfSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	roID, err := r.Spawn(context.Background(), "https://x.test", "", policy.ModeReadOnly)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	rwID, err := r.Spawn(context.Background(), "https://x.test", "", policy.ModeReadWrite)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	// The read-only connection rejects mutating methods; the read-write
	// one accepts them, regardless of any other connection's mode.
	if _, err := r.Call(context.Background(), roID, "tools/call", nil, time.Second); !errors.Is(err, policy.ErrReadOnlyViolation) {
		t.Errorf("read-only connection error = %v, want ErrReadOnlyViolation", err)
	}
	if _, err := r.Call(context.Background(), roID, "tools/list", nil, time.Second); err != nil {
		t.Errorf("read-only connection non-mutating call error = %v", err)
	}
	if _, err := r.Call(context.Background(), rwID, "tools/call", nil, time.Second); err != nil {
		t.Errorf("read-write connection error = %v", err)
	}
}

func TestCleanupAllIdempotent(t *testing.T) {
	r, conns := newTestRegistry(t)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := r.Spawn(context.Background(), "https://x.test", "", policy.ModeReadOnly)
		if err != nil {
			t.Fatalf("Spawn() error = %v", err)
		}
		ids = append(ids, id)
	}
	// One closed individually before the bulk cleanup.
	r.Close(ids[0])

	r.CleanupAll()
	r.CleanupAll()

	if r.Len() != 0 {
		t.Errorf("Len() = %d after cleanup", r.Len())
	}
	conns.Range(func(key, _ any) bool {
		c := key.(*fakeConn)
		if n := c.closes.Load(); n != 1 {
			t.Errorf("connection closed %d times, want exactly once", n)
		}
		return true
	})
}

func TestCleanupAllSwallowsTeardownErrors(t *testing.T) {
	r := New(func(ctx context.Context, baseURL, token string, mode policy.Mode) (Conn, error) {
		return &fakeConn{closeErr: fmt.Errorf("already gone")}, nil
	}, Options{})

	if _, err := r.Spawn(context.Background(), "https://x.test", "", policy.ModeReadOnly); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	r.CleanupAll()
}

func TestConcurrentSpawnCallClose(t *testing.T) {
	var conns sync.Map
	r := New(fakeFactory(&conns), Options{})
	defer r.CleanupAll()

	const workers = 100
	ctx := context.Background()

	ids := make(chan string, workers*4)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for op := 0; op < 20; op++ {
				switch rng.Intn(3) {
				case 0:
					id, err := r.Spawn(ctx, "https://x.test", "", policy.ModeReadWrite)
					if err != nil {
						t.Errorf("Spawn() error = %v", err)
						return
					}
					select {
					case ids <- id:
					default:
						r.Close(id)
					}
				case 1:
					select {
					case id := <-ids:
						// Racing against a concurrent Close is fine; the
						// only acceptable failure is "unknown" or a closed
						// loop, never a hang or a double-free.
						r.Call(ctx, id, "tools/call", nil, time.Second)
						ids <- id
					default:
					}
				case 2:
					select {
					case id := <-ids:
						r.Close(id)
					default:
					}
				}
			}
		}(int64(i))
	}
	wg.Wait()

	r.CleanupAll()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after cleanup", r.Len())
	}
	conns.Range(func(key, _ any) bool {
		c := key.(*fakeConn)
		if n := c.closes.Load(); n > 1 {
			t.Errorf("connection double-freed: %d closes", n)
		}
		return true
	})
}
