// Package pool implements the fixed-capacity Connection Pool: it hands out
// Worker Client objects, health-checks them on release, and serves waiters
// in FIFO order with cancellation.
//
// Grounded on the channel-based worker pool in cryguy-worker's pool.go,
// extended with an explicit FIFO waiter queue since a bare buffered channel
// cannot both grow lazily to capacity and support cancellable waiters.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/scriptpool/host/internal/rpc"
)

// ErrPoolClosed is returned to any acquire attempted after Close, and to
// every waiter parked when Close is called.
var ErrPoolClosed = errors.New("pool: closed")

// healthCheckTimeout bounds the ping issued on release before a connection
// is handed to the next acquirer or returned to the idle set.
const healthCheckTimeout = 2 * time.Second

// Factory dials a fresh Worker Client. The pool calls it both to grow to
// capacity and to rebuild a slot after an unhealthy connection is retired.
type Factory func(ctx context.Context) (*rpc.WorkerClient, error)

type waiterResult struct {
	client *rpc.WorkerClient
	err    error
}

// waiter is a single parked acquirer. Its presence in Pool.waiters is the
// only fact that decides whether it has been fulfilled yet: whichever side
// (release or cancellation) removes it from the queue first wins the race.
type waiter struct {
	ch chan waiterResult
}

// Pool is a fixed-capacity set of Worker Client connections.
type Pool struct {
	factory  Factory
	capacity int
	log      *slog.Logger

	mu      sync.Mutex
	idle    []*rpc.WorkerClient
	created int
	waiters []*waiter
	closed  bool
}

// New constructs a pool that lazily dials up to capacity connections
// through factory.
func New(capacity int, factory Factory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		factory:  factory,
		capacity: capacity,
		log:      logger.With(slog.String("component", "pool.Pool")),
	}
}

// Guard wraps a checked-out Worker Client. Callers must call Release
// exactly once when done.
type Guard struct {
	pool     *Pool
	client   *rpc.WorkerClient
	mu       sync.Mutex
	released bool
}

// Client returns the checked-out Worker Client.
func (g *Guard) Client() *rpc.WorkerClient { return g.client }

// Release returns the client to the pool after a health check.
// Calling Release more than once has no additional effect.
func (g *Guard) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	healthy := g.client.Ping(ctx) == nil
	g.pool.release(g.client, healthy)
}

// popWaiterLocked removes and returns the front waiter, if any. Caller must
// hold p.mu.
func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

// removeWaiterLocked removes w from the queue if it is still present,
// reporting whether it did. Caller must hold p.mu.
func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Acquire hands out an idle healthy client, dials a new one if the pool has
// not yet reached capacity, or parks the caller in the FIFO waiter queue
// until one is released, the pool closes, or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Guard{pool: p, client: c}, nil
	}
	if p.created < p.capacity {
		p.created++
		p.mu.Unlock()
		c, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}
		return &Guard{pool: p, client: c}, nil
	}

	w := &waiter{ch: make(chan waiterResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		return &Guard{pool: p, client: res.client}, nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		p.mu.Unlock()
		if !removed {
			// A fulfillment raced the cancellation; don't lose the client.
			res := <-w.ch
			if res.err == nil && res.client != nil {
				p.release(res.client, true)
			}
		}
		return nil, ctx.Err()
	}
}

// release returns c to a waiter or the idle set (healthy == true), or
// retires it and frees its slot, rebuilding directly for the next FIFO
// waiter if one is parked (healthy == false).
func (p *Pool) release(c *rpc.WorkerClient, healthy bool) {
	if !healthy {
		_ = c.Connection().Close()
		p.mu.Lock()
		p.created--
		w := p.popWaiterLocked()
		if w != nil {
			p.created++
		}
		p.mu.Unlock()
		if w == nil {
			return
		}
		nc, err := p.factory(context.Background())
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			p.log.Warn("Pool.release(client, healthy) :: rebuild_failed", slog.String("error", err.Error()))
			w.ch <- waiterResult{err: err}
			return
		}
		w.ch <- waiterResult{client: nc}
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.Connection().Close()
		return
	}
	if w := p.popWaiterLocked(); w != nil {
		p.mu.Unlock()
		w.ch <- waiterResult{client: c}
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Close forbids new acquisitions, fails every parked waiter with
// ErrPoolClosed, and tears down idle connections. In-flight guards are torn
// down as their holders call Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- waiterResult{err: ErrPoolClosed}
	}
	for _, c := range idle {
		_ = c.Connection().Close()
	}
	p.log.Info("Pool.Close() :: closed", slog.Int("idle_dropped", len(idle)))
	return nil
}

// Len reports the number of connections currently sitting idle. Exposed for
// tests and status reporting; not part of the acquire/release contract.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Stats reports a point-in-time snapshot of pool occupancy: connections
// currently checked out, connections sitting idle, and callers parked in
// the FIFO waiter queue.
func (p *Pool) Stats() (inFlight, idle, waiters int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created - len(p.idle), len(p.idle), len(p.waiters)
}
