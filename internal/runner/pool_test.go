package runner

import (
	"context"
	"testing"
	"time"

	"github.com/taskstream/taskstream/internal/common/config"
	"github.com/taskstream/taskstream/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// newTestPool builds a pool whose runners never exec anything: the
// starter is a no-op and every runner counts as alive.
func newTestPool(t *testing.T, size, minGeneric int) *Pool {
	t.Helper()
	cfg := &config.RunnerConfig{
		Binary:                     "claude",
		PoolSize:                   size,
		MinGeneric:                 minGeneric,
		IdleTTLMinutes:             5,
		MaintenanceIntervalSeconds: 30,
	}
	p := NewPool(cfg, newTestLogger(t))
	p.starter = func(context.Context, *Runner) error { return nil }
	p.alive = func(*Runner) bool { return true }
	return p
}

func sessionKeys(p *Pool) map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make(map[string]bool, len(p.session))
	for sid := range p.session {
		keys[sid] = true
	}
	return keys
}

func genericCount(p *Pool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.generic)
}

func TestPoolSessionReuse(t *testing.T) {
	p := newTestPool(t, 3, 0)

	r := p.factory()
	p.Release(r, "s1")

	got, err := p.Acquire("s1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got != r {
		t.Errorf("Acquire(s1) returned a different runner")
	}

	again, err := p.Acquire("s1")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if again == r {
		t.Error("session entry served twice")
	}
}

func TestPoolGenericServesSessionMiss(t *testing.T) {
	p := newTestPool(t, 3, 0)

	r := p.factory()
	p.Release(r, "")

	got, err := p.Acquire("unknown-session")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got != r {
		t.Error("generic runner not served on session miss")
	}
}

func TestPoolGenericFIFO(t *testing.T) {
	p := newTestPool(t, 3, 0)

	first, second := p.factory(), p.factory()
	p.Release(first, "")
	p.Release(second, "")

	got1, _ := p.Acquire("")
	got2, _ := p.Acquire("")
	if got1 != first || got2 != second {
		t.Error("generic pool did not serve in FIFO order")
	}
}

func TestPoolOverflowEvictsSessionLRU(t *testing.T) {
	p := newTestPool(t, 2, 0)

	p.Release(p.factory(), "sa")
	time.Sleep(2 * time.Millisecond)
	p.Release(p.factory(), "sb")
	time.Sleep(2 * time.Millisecond)
	p.Release(p.factory(), "sc")

	keys := sessionKeys(p)
	if keys["sa"] {
		t.Error("LRU entry sa survived the overflow")
	}
	if !keys["sb"] || !keys["sc"] {
		t.Errorf("newer entries missing: %v", keys)
	}
}

func TestPoolOverflowPrefersSessionPool(t *testing.T) {
	p := newTestPool(t, 2, 0)

	p.Release(p.factory(), "")
	time.Sleep(2 * time.Millisecond)
	p.Release(p.factory(), "s1")
	time.Sleep(2 * time.Millisecond)
	p.Release(p.factory(), "s2")

	if n := genericCount(p); n != 1 {
		t.Errorf("generic pool count = %d, want 1 (session pool evicts first)", n)
	}
	keys := sessionKeys(p)
	if keys["s1"] || !keys["s2"] {
		t.Errorf("session pool = %v, want only s2", keys)
	}
}

func TestPoolAcquireEvictsToCreate(t *testing.T) {
	p := newTestPool(t, 1, 0)

	a := p.factory()
	p.Release(a, "sa")

	got, err := p.Acquire("")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got == a {
		t.Error("session-bound runner served for a sessionless acquire")
	}
	if len(sessionKeys(p)) != 0 {
		t.Error("idle session runner not evicted to stay inside the bound")
	}
}

func TestPoolMaintainTopsUpGeneric(t *testing.T) {
	p := newTestPool(t, 3, 2)

	created := 0
	base := p.factory
	p.factory = func() *Runner {
		created++
		return base()
	}

	p.maintain(context.Background())
	if created != 2 {
		t.Errorf("created %d runners, want 2", created)
	}
	if n := genericCount(p); n != 2 {
		t.Errorf("generic count = %d, want 2", n)
	}

	// Drain and verify the next pass replenishes.
	if _, err := p.Acquire(""); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	p.maintain(context.Background())
	if n := genericCount(p); n != 2 {
		t.Errorf("generic count after replenish = %d, want 2", n)
	}
}

func TestPoolMaintainRespectsBound(t *testing.T) {
	p := newTestPool(t, 2, 2)

	p.Release(p.factory(), "s1")
	p.Release(p.factory(), "s2")

	p.maintain(context.Background())
	if n := genericCount(p); n != 0 {
		t.Errorf("top-up created %d runners past the bound", n)
	}
}

func TestPoolMaintainDropsIdle(t *testing.T) {
	p := newTestPool(t, 3, 0)

	p.Release(p.factory(), "s1")
	p.Release(p.factory(), "")

	p.mu.Lock()
	for _, e := range p.session {
		e.since = time.Now().Add(-10 * time.Minute)
	}
	for _, e := range p.generic {
		e.since = time.Now().Add(-10 * time.Minute)
	}
	p.mu.Unlock()

	p.maintain(context.Background())

	if len(sessionKeys(p)) != 0 || genericCount(p) != 0 {
		t.Error("idle runners past the TTL were not dropped")
	}
}

func TestPoolMaintainKeepsFreshRunners(t *testing.T) {
	p := newTestPool(t, 3, 0)

	p.Release(p.factory(), "s1")
	p.maintain(context.Background())

	if !sessionKeys(p)["s1"] {
		t.Error("fresh session runner dropped by maintenance")
	}
}

func TestPoolShutdown(t *testing.T) {
	p := newTestPool(t, 3, 1)
	p.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for genericCount(p) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if genericCount(p) != 1 {
		t.Fatal("initial maintenance pass did not warm a generic runner")
	}

	p.Shutdown()

	if _, err := p.Acquire(""); err == nil {
		t.Error("Acquire succeeded after shutdown")
	}
	// Releasing after shutdown closes the runner instead of pooling it.
	p.Release(p.factory(), "s1")
	if len(sessionKeys(p)) != 0 {
		t.Error("runner pooled after shutdown")
	}
}

func TestPoolReleaseDeadRunner(t *testing.T) {
	p := newTestPool(t, 3, 0)
	p.alive = func(*Runner) bool { return false }

	p.Release(p.factory(), "s1")
	if len(sessionKeys(p)) != 0 {
		t.Error("dead runner was pooled")
	}
}
