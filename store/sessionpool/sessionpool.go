// Package sessionpool implements the bounded database-session pool (C9):
// one session per concurrently executing tree, a hard cap enforced by
// failing fast rather than blocking, and opportunistic eviction of
// sessions idle past a timeout.
//
// Directly grounded on the teacher's ai/agents/runner/session_manager.go
// CCSessionManager: a mutex-guarded map keyed by id, a background
// cleanupLoop ticking on an interval, idle eviction by LastActive, and a
// Shutdown that drains everything. The OS-process lifecycle (stdin/stdout
// pipes, process groups) has no analogue here — a pooled session wraps a
// store.Driver handle, not a subprocess — so this package keeps the
// manager/cleanup shape and drops the process plumbing.
package sessionpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/apflow/taskflow/store"
)

// ErrSessionLimitExceeded is returned by Acquire when the pool is at
// capacity. Per spec.md §9 ("acquisition that exceeds the limit must
// fail fast; blocking causes deadlock when the exceeding caller is
// itself holding work the running sessions are waiting on"), Acquire
// never blocks — it returns this error immediately instead.
var ErrSessionLimitExceeded = fmt.Errorf("sessionpool: session limit exceeded")

// DefaultLimit bounds concurrent sessions when the caller does not
// override it.
const DefaultLimit = 16

// DefaultIdleTimeout evicts a session that has not been touched in this
// long, checked by the background cleanup loop.
const DefaultIdleTimeout = 30 * time.Minute

const cleanupCheckInterval = 1 * time.Minute

// Session is one pooled handle: a driver plus bookkeeping the pool uses
// to decide when to evict it.
type Session struct {
	ID         string
	Driver     store.Driver
	CreatedAt  time.Time
	LastActive time.Time
}

// Factory opens a new store.Driver for a freshly acquired session.
type Factory func(ctx context.Context) (store.Driver, error)

// Pool hands out bounded database sessions, one per concurrent tree
// execution (§4.9).
type Pool struct {
	factory     Factory
	limit       int
	idleTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	done     chan struct{}
	closed   bool

	active prometheus.Gauge
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithLimit overrides DefaultLimit.
func WithLimit(n int) Option {
	return func(p *Pool) { p.limit = n }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) { p.idleTimeout = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics registers an active-session gauge with reg. Mirrors the
// teacher's PrometheusExporter.chatActive gauge, scoped to the session
// pool instead of chat sessions.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Pool) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Subsystem: "sessionpool",
			Name:      "active_sessions",
			Help:      "Number of database sessions currently checked out of the pool.",
		})
		if reg != nil {
			reg.MustRegister(g)
		}
		p.active = g
	}
}

// New creates a Pool that opens sessions via factory, applying opts.
// The background idle-eviction loop starts immediately.
func New(factory Factory, opts ...Option) *Pool {
	p := &Pool{
		factory:     factory,
		limit:       DefaultLimit,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
		sessions:    make(map[string]*Session),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.cleanupLoop()
	return p
}

// Acquire reaps expired sessions, then opens a new one under id. It
// fails fast with ErrSessionLimitExceeded instead of blocking if the
// pool is already at its limit (§4.9, §9).
func (p *Pool) Acquire(ctx context.Context, id string) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("sessionpool: pool is closed")
	}
	p.evictIdleLocked()
	if len(p.sessions) >= p.limit {
		p.mu.Unlock()
		return nil, ErrSessionLimitExceeded
	}
	p.mu.Unlock()

	driver, err := p.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("sessionpool: open session: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{ID: id, Driver: driver, CreatedAt: now, LastActive: now}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = driver.Close()
		return nil, fmt.Errorf("sessionpool: pool is closed")
	}
	if len(p.sessions) >= p.limit {
		_ = driver.Close()
		return nil, ErrSessionLimitExceeded
	}
	p.sessions[id] = sess
	if p.active != nil {
		p.active.Inc()
	}
	return sess, nil
}

// Release closes and removes the session registered under id. Safe to
// call more than once; the second call is a no-op.
func (p *Pool) Release(id string) error {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.sessions, id)
	if p.active != nil {
		p.active.Dec()
	}
	p.mu.Unlock()
	return sess.Driver.Close()
}

// Touch refreshes a session's idle clock so the cleanup loop does not
// evict it while it is in active use.
func (p *Pool) Touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[id]; ok {
		sess.LastActive = time.Now().UTC()
	}
}

// WithSession acquires a session under id, invokes fn with its driver,
// and guarantees release on every exit path — including a panic inside
// fn — mirroring the teacher's defer-heavy cleanup idiom throughout
// store/db/sqlite/sqlite.go.
func (p *Pool) WithSession(ctx context.Context, id string, fn func(store.Driver) error) error {
	sess, err := p.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = p.Release(id) }()
	return fn(sess.Driver)
}

// ActiveCount returns the number of sessions currently checked out.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// evictIdleLocked removes and closes sessions idle past p.idleTimeout.
// Caller must hold p.mu.
func (p *Pool) evictIdleLocked() {
	now := time.Now().UTC()
	for id, sess := range p.sessions {
		if now.Sub(sess.LastActive) > p.idleTimeout {
			p.logger.Info("sessionpool: evicting idle session", "session_id", id, "idle_for", now.Sub(sess.LastActive))
			_ = sess.Driver.Close()
			delete(p.sessions, id)
			if p.active != nil {
				p.active.Dec()
			}
		}
	}
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(cleanupCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			p.evictIdleLocked()
			p.mu.Unlock()
		case <-p.done:
			return
		}
	}
}

// Shutdown stops the cleanup loop and closes every open session.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	for id, sess := range p.sessions {
		_ = sess.Driver.Close()
		delete(p.sessions, id)
		if p.active != nil {
			p.active.Dec()
		}
	}
	p.mu.Unlock()
}
