package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskstream/taskstream/internal/common/config"
	"github.com/taskstream/taskstream/internal/common/logger"
	"github.com/taskstream/taskstream/internal/common/metrics"
)

// Pool keeps a bounded population of warm runners: session-bound ones
// reused across turns of the same conversation, and generic ones that
// absorb subprocess startup for new conversations.
type Pool struct {
	cfg    *config.RunnerConfig
	logger *logger.Logger

	// Seams for tests; production uses NewRunner and Runner.Warm.
	factory func() *Runner
	starter func(ctx context.Context, r *Runner) error
	alive   func(r *Runner) bool

	mu      sync.Mutex
	session map[string]*pooledRunner // session_id → idle runner
	generic []*pooledRunner          // FIFO of idle unbound runners
	seq     uint64
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pooledRunner is one idle pool entry.
type pooledRunner struct {
	runner *Runner
	since  time.Time // last used (session) or pooled (generic)
	seq    uint64    // insertion order; breaks timestamp ties
}

// NewPool creates a runner pool. Call Start to launch maintenance.
func NewPool(cfg *config.RunnerConfig, log *logger.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "runner-pool")),
		factory: func() *Runner {
			return NewRunner(cfg, log)
		},
		starter: func(ctx context.Context, r *Runner) error {
			return r.Warm(ctx)
		},
		alive: func(r *Runner) bool {
			return r.Alive()
		},
		session: make(map[string]*pooledRunner),
	}
}

// Start runs one maintenance pass immediately (initial warm-up), then
// keeps the pool maintained on the configured interval.
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	interval := p.cfg.MaintenanceInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain(loopCtx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.maintain(loopCtx)
			}
		}
	}()

	p.logger.Info("Runner pool started",
		zap.Int("max_size", p.cfg.PoolSize),
		zap.Int("min_generic", p.cfg.MinGeneric),
		zap.Duration("idle_ttl", p.cfg.IdleTTL()),
		zap.Duration("maintenance_interval", interval))
}

// Acquire hands out a runner, preferring the warm one bound to the
// requested session. The caller owns the runner until Release.
func (p *Pool) Acquire(sessionID string) (*Runner, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("runner pool is shut down")
	}

	if sessionID != "" {
		if entry, ok := p.session[sessionID]; ok {
			delete(p.session, sessionID)
			p.updateGaugesLocked()
			p.mu.Unlock()
			p.logger.Debug("Reusing session runner",
				zap.String("session_id", sessionID),
				zap.String("runner_id", entry.runner.ID))
			return entry.runner, nil
		}
	}

	if len(p.generic) > 0 {
		entry := p.generic[0]
		p.generic = p.generic[1:]
		p.updateGaugesLocked()
		p.mu.Unlock()
		return entry.runner, nil
	}

	// Creating a new runner: stay inside the population bound by
	// evicting an idle one first.
	var evicted *pooledRunner
	if p.pooledLocked() >= p.cfg.PoolSize {
		evicted = p.evictLocked()
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	if evicted != nil {
		p.logger.Debug("Evicting runner to make room", zap.String("runner_id", evicted.runner.ID))
		evicted.runner.Close()
	}
	return p.factory(), nil
}

// Release returns a runner to the pool, keyed by the session it now
// holds. Dead runners are discarded.
func (p *Pool) Release(r *Runner, sessionID string) {
	if r == nil {
		return
	}
	if !p.alive(r) {
		p.logger.Debug("Discarding dead runner", zap.String("runner_id", r.ID))
		r.Close()
		return
	}

	var evicted []*pooledRunner
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		r.Close()
		return
	}

	p.seq++
	entry := &pooledRunner{runner: r, since: time.Now(), seq: p.seq}
	if sessionID != "" {
		if old, ok := p.session[sessionID]; ok && old.runner != r {
			evicted = append(evicted, old)
		}
		p.session[sessionID] = entry
	} else {
		p.generic = append(p.generic, entry)
	}

	for p.pooledLocked() > p.cfg.PoolSize {
		e := p.evictLocked()
		if e == nil {
			break
		}
		evicted = append(evicted, e)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, e := range evicted {
		p.logger.Debug("Evicting runner", zap.String("runner_id", e.runner.ID))
		e.runner.Close()
	}
}

// evictLocked removes the eviction candidate: the least recently used
// session entry first, the oldest generic entry otherwise. Timestamp
// ties break by insertion order.
func (p *Pool) evictLocked() *pooledRunner {
	var victim *pooledRunner
	var victimKey string
	for sid, e := range p.session {
		if victim == nil || e.since.Before(victim.since) ||
			(e.since.Equal(victim.since) && e.seq < victim.seq) {
			victim, victimKey = e, sid
		}
	}
	if victim != nil {
		delete(p.session, victimKey)
		return victim
	}
	if len(p.generic) > 0 {
		e := p.generic[0]
		p.generic = p.generic[1:]
		return e
	}
	return nil
}

// maintain drops idle runners past the TTL and tops the generic pool
// back up to its minimum.
func (p *Pool) maintain(ctx context.Context) {
	ttl := p.cfg.IdleTTL()
	cutoff := time.Now().Add(-ttl)

	var expired []*pooledRunner
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if ttl > 0 {
		for sid, e := range p.session {
			if e.since.Before(cutoff) {
				expired = append(expired, e)
				delete(p.session, sid)
			}
		}
		kept := p.generic[:0]
		for _, e := range p.generic {
			if e.since.Before(cutoff) {
				expired = append(expired, e)
			} else {
				kept = append(kept, e)
			}
		}
		p.generic = kept
	}

	missing := p.cfg.MinGeneric - len(p.generic)
	if room := p.cfg.PoolSize - p.pooledLocked(); missing > room {
		missing = room
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, e := range expired {
		p.logger.Debug("Dropping idle runner",
			zap.String("runner_id", e.runner.ID),
			zap.Duration("idle", time.Since(e.since)))
		e.runner.Close()
	}

	for i := 0; i < missing; i++ {
		if ctx.Err() != nil {
			return
		}
		r := p.factory()
		if err := p.starter(ctx, r); err != nil {
			p.logger.Warn("Failed to warm runner", zap.Error(err))
			r.Close()
			return
		}

		p.mu.Lock()
		if p.closed || p.pooledLocked() >= p.cfg.PoolSize {
			p.mu.Unlock()
			r.Close()
			return
		}
		p.seq++
		p.generic = append(p.generic, &pooledRunner{runner: r, since: time.Now(), seq: p.seq})
		p.updateGaugesLocked()
		p.mu.Unlock()

		p.logger.Debug("Warmed generic runner", zap.String("runner_id", r.ID))
	}
}

// Shutdown stops the maintenance loop and disconnects every pooled
// runner. Leased runners are closed by their executions.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := make([]*pooledRunner, 0, p.pooledLocked())
	for _, e := range p.session {
		all = append(all, e)
	}
	all = append(all, p.generic...)
	p.session = make(map[string]*pooledRunner)
	p.generic = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Close()
		}(e.runner)
	}
	wg.Wait()

	p.logger.Info("Runner pool shut down", zap.Int("closed", len(all)))
}

func (p *Pool) pooledLocked() int {
	return len(p.session) + len(p.generic)
}

func (p *Pool) updateGaugesLocked() {
	metrics.RunnerPoolSize.WithLabelValues("session").Set(float64(len(p.session)))
	metrics.RunnerPoolSize.WithLabelValues("generic").Set(float64(len(p.generic)))
}
