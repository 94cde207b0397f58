package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockRuntime is a fake sandbox.Runtime for testing the pool.
type mockRuntime struct {
	mu       sync.Mutex
	started  int
	stopped  []string
	running  map[string]bool
	labels   map[string]map[string]string
	scripts  map[string]string
	execFail bool
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{
		running: make(map[string]bool),
		labels:  make(map[string]map[string]string),
		scripts: make(map[string]string),
	}
}

func (m *mockRuntime) Start(_ context.Context, opts StartOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	id := fmt.Sprintf("pod-%d", m.started)
	m.running[id] = true
	return id, nil
}

func (m *mockRuntime) Stop(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, handle)
	delete(m.running, handle)
	return nil
}

func (m *mockRuntime) ExecCollect(_ context.Context, handle string, _ []string, stdin io.Reader) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.execFail {
		return "", fmt.Errorf("exec failed")
	}
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		m.scripts[handle] = string(data)
	}
	return "", nil
}

func (m *mockRuntime) IsRunning(_ context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[id]
}

func (m *mockRuntime) Relabel(_ context.Context, handle string, labels map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[handle] = labels
	return nil
}

func (m *mockRuntime) getStarted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPoolPrewarms(t *testing.T) {
	mock := newMockRuntime()
	pool := NewPool(mock, PoolConfig{
		PoolSize:       2,
		Image:          "docs-sandbox",
		RefillInterval: 50 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.StartPool(ctx)
	defer pool.StopPool()

	waitFor(t, func() bool { return pool.PoolStats() == 2 })
}

func TestPoolClaimsWarmSandbox(t *testing.T) {
	mock := newMockRuntime()
	pool := NewPool(mock, PoolConfig{
		PoolSize:       2,
		Image:          "docs-sandbox",
		RefillInterval: 50 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.StartPool(ctx)
	defer pool.StopPool()

	waitFor(t, func() bool { return pool.PoolStats() == 2 })
	initialStarts := mock.getStarted()

	id, err := pool.Start(ctx, StartOptions{
		SessionID: "sess-1",
		Env:       []string{"DOCFIX_BRANCH=docfix/sess-1"},
		Labels:    map[string]string{"docfix.dev/session": "sess-1"},
	})
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty handle")
	}

	mock.mu.Lock()
	script := mock.scripts[id]
	labels := mock.labels[id]
	mock.mu.Unlock()
	if !strings.Contains(script, `DOCFIX_SESSION_ID="sess-1"`) || !strings.Contains(script, `DOCFIX_BRANCH="docfix/sess-1"`) {
		t.Fatalf("unexpected session script: %q", script)
	}
	if labels["docfix.dev/session"] != "sess-1" {
		t.Fatalf("sandbox not relabeled: %v", labels)
	}

	// The claim itself must not start anything; only the refill does.
	waitFor(t, func() bool { return pool.PoolStats() == 2 })
	if got := mock.getStarted(); got != initialStarts+1 {
		t.Fatalf("expected exactly 1 additional Start for refill, got %d", got-initialStarts)
	}
}

func TestPoolColdStartsIncompatibleImage(t *testing.T) {
	mock := newMockRuntime()
	pool := NewPool(mock, PoolConfig{
		PoolSize:       1,
		Image:          "docs-sandbox",
		RefillInterval: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.StartPool(ctx)
	defer pool.StopPool()
	waitFor(t, func() bool { return pool.PoolStats() == 1 })

	if _, err := pool.Start(ctx, StartOptions{SessionID: "s", Image: "custom:latest"}); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if pool.PoolStats() != 1 {
		t.Fatal("warm sandbox was claimed for a different image")
	}
	if mock.getStarted() != 2 {
		t.Fatalf("expected a cold start, got %d starts", mock.getStarted())
	}
}

func TestPoolFallsBackWhenReconfigureFails(t *testing.T) {
	mock := newMockRuntime()
	pool := NewPool(mock, PoolConfig{
		PoolSize:       1,
		Image:          "docs-sandbox",
		RefillInterval: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.StartPool(ctx)
	defer pool.StopPool()
	waitFor(t, func() bool { return pool.PoolStats() == 1 })

	mock.mu.Lock()
	mock.execFail = true
	mock.mu.Unlock()

	id, err := pool.Start(ctx, StartOptions{SessionID: "s"})
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	if id != "pod-2" {
		t.Fatalf("expected cold-started pod-2, got %s", id)
	}
	mock.mu.Lock()
	stopped := append([]string(nil), mock.stopped...)
	mock.mu.Unlock()
	if len(stopped) != 1 || stopped[0] != "pod-1" {
		t.Fatalf("expected the broken warm sandbox to be stopped, got %v", stopped)
	}
}

func TestPoolStopCleansUp(t *testing.T) {
	mock := newMockRuntime()
	pool := NewPool(mock, PoolConfig{
		PoolSize:       3,
		Image:          "docs-sandbox",
		RefillInterval: 50 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool.StartPool(ctx)

	waitFor(t, func() bool { return pool.PoolStats() == 3 })

	cancel()
	pool.StopPool()

	if pool.PoolStats() != 0 {
		t.Fatalf("expected 0 warm after stop, got %d", pool.PoolStats())
	}

	mock.mu.Lock()
	stoppedCount := len(mock.stopped)
	mock.mu.Unlock()
	if stoppedCount != 3 {
		t.Fatalf("expected 3 stopped sandboxes, got %d", stoppedCount)
	}
}
