// Package pool implements a bounded, thread-safe connection pool with
// background health checking and graceful shutdown.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/recipedb/connpool/pkg/resilience"
)

// Stats is a point-in-time snapshot of pool state. All fields are captured
// atomically under the pool's bookkeeping lock.
type Stats struct {
	IdleCount      int           `json:"idle_count"`
	ActiveCount    int           `json:"active_count"`
	WaitingCount   int           `json:"waiting_count"`
	MaxConns       int           `json:"max_conns"`
	Created        int64         `json:"created"`
	Destroyed      int64         `json:"destroyed"`
	CreationErrors int64         `json:"creation_errors"`
	PeakActive     int           `json:"peak_active"`
	AvgAcquireTime time.Duration `json:"avg_acquire_time"`
}

// waiter is one blocked Acquire call. The channel is buffered so a handoff
// never blocks the releasing goroutine, even if the waiter has already given
// up on its context.
type waiter struct {
	ch chan *PooledConn
}

// Pool is a bounded pool of connections produced by a Factory.
//
// A single mutex guards all bookkeeping; it is never held across factory
// calls, so slow dials and validations do not serialize the pool.
type Pool struct {
	cfg     Config
	factory Factory

	mu      sync.Mutex
	cond    *sync.Cond // signals active-count changes during shutdown
	idle    []*PooledConn
	active  map[string]*PooledConn
	waiters *list.List // of *waiter, FIFO
	numOpen int        // idle + active + validating + in-flight creates
	closing bool
	closed  bool

	created        int64
	destroyed      int64
	creationErrors int64
	peakActive     int
	avgAcquire     time.Duration

	dialer *resilience.Executor
	stopCh chan struct{}
	bg     sync.WaitGroup
}

// New creates a pool, synchronously warms it to MinConns on a best-effort
// basis, and starts the background health sweeper. A factory that cannot
// produce connections yet is not fatal; the sweeper keeps retrying.
func New(cfg Config, factory Factory) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.New("pool: factory must not be nil")
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		active:  make(map[string]*PooledConn),
		waiters: list.New(),
		dialer: resilience.WithExponentialBackoff(
			"pool-create", cfg.CreateAttempts, cfg.CreateBaseDelay, cfg.CreateMaxDelay),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.replenish()

	p.bg.Add(1)
	go p.sweepLoop()

	p.mu.Lock()
	warm := len(p.idle)
	p.mu.Unlock()
	log.Info().
		Int("min_conns", cfg.MinConns).
		Int("max_conns", cfg.MaxConns).
		Int("warm", warm).
		Msg("Connection pool started")
	return p, nil
}

// Acquire checks out a connection, creating one if the pool is below
// capacity, or blocking in FIFO order until one is released. If ctx carries
// no deadline, the configured AcquireTimeout is applied.
//
// A timed-out or cancelled Acquire returns an error wrapping
// ErrPoolExhausted; a closed pool returns ErrPoolClosed. Factory failures
// are absorbed: the caller waits out its deadline rather than seeing them.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	start := time.Now()

	for {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if conn := p.popIdleLocked(); conn != nil {
			if p.expiredLocked(conn) {
				p.numOpen--
				p.destroyed++
				p.bg.Add(1)
				p.mu.Unlock()
				p.closeConn(conn)
				go func() { defer p.bg.Done(); p.replenish() }()
				continue
			}
			p.checkOutLocked(conn)
			p.recordAcquireLocked(time.Since(start))
			p.mu.Unlock()
			return conn, nil
		}

		if p.numOpen < p.cfg.MaxConns {
			p.numOpen++ // reserve the slot before dialing
			p.mu.Unlock()

			conn, err := p.dialWithRetry(ctx)
			p.mu.Lock()
			if err != nil {
				p.numOpen--
				p.creationErrors++
				if p.closing {
					p.mu.Unlock()
					return nil, ErrPoolClosed
				}
				if ctx.Err() != nil {
					p.mu.Unlock()
					return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
				}
				// Creation failures stay internal: join the queue like any
				// other blocked caller and run a background top-up so a
				// recovered factory can serve the queue.
				w := &waiter{ch: make(chan *PooledConn, 1)}
				elem := p.waiters.PushBack(w)
				p.bg.Add(1)
				p.mu.Unlock()
				log.Warn().Err(err).Msg("Connection creation failed during acquire")
				go func() { defer p.bg.Done(); p.replenish() }()
				return p.await(ctx, start, w, elem)
			}
			if p.closing {
				p.numOpen--
				p.destroyed++
				p.mu.Unlock()
				p.closeConn(conn)
				return nil, ErrPoolClosed
			}
			p.checkOutLocked(conn)
			p.recordAcquireLocked(time.Since(start))
			p.mu.Unlock()
			return conn, nil
		}

		// At capacity with nothing idle: queue up.
		w := &waiter{ch: make(chan *PooledConn, 1)}
		elem := p.waiters.PushBack(w)
		p.mu.Unlock()

		return p.await(ctx, start, w, elem)
	}
}

// await blocks a queued Acquire until a connection is handed to it, the pool
// shuts down, or its context ends.
func (p *Pool) await(ctx context.Context, start time.Time, w *waiter, elem *list.Element) (*PooledConn, error) {
	select {
	case conn, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.mu.Lock()
		if p.closing {
			// Shutdown won the race. If the connection is still ours, put it
			// back so shutdown accounting sees it; otherwise shutdown already
			// owns and closes it.
			if _, active := p.active[conn.id]; active {
				p.redistributeLocked(conn)
				p.cond.Broadcast()
			}
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		p.recordAcquireLocked(time.Since(start))
		p.mu.Unlock()
		return conn, nil

	case <-ctx.Done():
		p.mu.Lock()
		// A release may have handed us a connection in the same instant we
		// gave up. It is already checked out to us, so put it back properly.
		select {
		case conn, ok := <-w.ch:
			if ok {
				p.redistributeLocked(conn)
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
			}
			p.mu.Unlock()
			return nil, ErrPoolClosed
		default:
		}
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
	}
}

// Release returns a checked-out connection to the pool. It never blocks on
// validation; the health check runs on a background goroutine and the
// connection becomes available again only after it passes.
//
// Releasing a connection the pool already force-closed during shutdown is a
// no-op, as is releasing the same connection twice.
func (p *Pool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if conn.State() == StateClosed {
		p.mu.Unlock()
		log.Debug().Str("conn_id", conn.id).Msg("Release of closed connection ignored")
		return
	}
	if _, ok := p.active[conn.id]; !ok || conn.State() != StateCheckedOut {
		p.mu.Unlock()
		log.Warn().Str("conn_id", conn.id).Msg("Release of connection not checked out ignored")
		return
	}
	delete(p.active, conn.id)
	conn.transitionTo(StateValidating)
	closing := p.closing
	if closing {
		p.numOpen--
		p.destroyed++
	}
	p.bg.Add(1)
	p.cond.Broadcast()
	p.mu.Unlock()

	if closing {
		go func() {
			defer p.bg.Done()
			p.closeConn(conn)
		}()
		return
	}

	go func() {
		defer p.bg.Done()
		if !p.revalidate(conn) {
			p.replenish()
		}
	}()
}

// Shutdown stops the pool. New and queued Acquires fail immediately with
// ErrPoolClosed, idle connections close right away, and checked-out
// connections get up to grace to come back before being force-closed.
// Shutdown is not idempotent; a second call returns ErrPoolClosed.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closing = true

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ch)
	}
	p.waiters.Init()
	p.mu.Unlock()

	close(p.stopCh)

	var timer *time.Timer
	if grace > 0 {
		timer = time.AfterFunc(grace, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
	}

	deadline := time.Now().Add(grace)
	p.mu.Lock()
	for len(p.active) > 0 && time.Now().Before(deadline) {
		p.cond.Wait()
	}

	forced := len(p.active)
	doomed := make([]*PooledConn, 0, len(p.active)+len(p.idle))
	for _, conn := range p.active {
		doomed = append(doomed, conn)
	}
	p.active = make(map[string]*PooledConn)
	doomed = append(doomed, p.idle...)
	p.idle = nil
	p.numOpen -= len(doomed)
	p.destroyed += int64(len(doomed))
	p.closed = true
	destroyed := p.destroyed
	p.mu.Unlock()

	for _, conn := range doomed {
		p.closeConn(conn)
	}
	if timer != nil {
		timer.Stop()
	}
	p.bg.Wait()

	log.Info().
		Int("force_closed", forced).
		Int64("destroyed_total", destroyed).
		Msg("Connection pool shut down")
	return nil
}

// Stats returns a snapshot of the pool's counters. It remains usable after
// shutdown so monitors can report the terminal state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		IdleCount:      len(p.idle),
		ActiveCount:    len(p.active),
		WaitingCount:   p.waiters.Len(),
		MaxConns:       p.cfg.MaxConns,
		Created:        p.created,
		Destroyed:      p.destroyed,
		CreationErrors: p.creationErrors,
		PeakActive:     p.peakActive,
		AvgAcquireTime: p.avgAcquire,
	}
}

// Warmup creates connections until the pool holds MinConns, retrying each
// creation with backoff. It blocks until the target is reached or a creation
// gives up.
func (p *Pool) Warmup() {
	p.replenish()
}

// popIdleLocked removes and returns the most recently released idle
// connection, or nil. Caller holds p.mu.
func (p *Pool) popIdleLocked() *PooledConn {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	conn := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return conn
}

// takeIdleLocked removes the idle connection with the given id, if still
// present. Caller holds p.mu.
func (p *Pool) takeIdleLocked(id string) *PooledConn {
	for i, conn := range p.idle {
		if conn.id == id {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return conn
		}
	}
	return nil
}

// expiredLocked reports whether a connection is past its maximum age.
func (p *Pool) expiredLocked(conn *PooledConn) bool {
	return p.cfg.MaxConnAge > 0 && conn.Age() > p.cfg.MaxConnAge
}

// checkOutLocked hands conn to a caller. Caller holds p.mu.
func (p *Pool) checkOutLocked(conn *PooledConn) {
	conn.transitionTo(StateCheckedOut)
	conn.markUsed()
	p.active[conn.id] = conn
	if len(p.active) > p.peakActive {
		p.peakActive = len(p.active)
	}
}

// deliverLocked hands conn to the oldest waiter, if any. Caller holds p.mu.
func (p *Pool) deliverLocked(conn *PooledConn) bool {
	elem := p.waiters.Front()
	if elem == nil {
		return false
	}
	w := p.waiters.Remove(elem).(*waiter)
	p.checkOutLocked(conn)
	w.ch <- conn
	return true
}

// redistributeLocked puts a connection that was checked out to a departed
// waiter back into circulation. Caller holds p.mu.
func (p *Pool) redistributeLocked(conn *PooledConn) {
	delete(p.active, conn.id)
	if p.closing {
		p.numOpen--
		p.destroyed++
		p.bg.Add(1)
		go func() { defer p.bg.Done(); p.closeConn(conn) }()
		return
	}
	if p.deliverLocked(conn) {
		return
	}
	conn.transitionTo(StateIdle)
	p.idle = append(p.idle, conn)
}

// revalidate health-checks a connection that is in the validating state and
// routes it back to a waiter, the idle set, or the factory's Close. Returns
// false if the connection was retired.
func (p *Pool) revalidate(conn *PooledConn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidationTimeout)
	err := p.factory.Validate(ctx, conn.handle)
	cancel()
	if err != nil {
		log.Warn().Str("conn_id", conn.id).Err(err).Msg("Connection failed validation, retiring")
		p.retire(conn)
		return false
	}
	conn.markValidated()

	p.mu.Lock()
	if p.closing {
		p.numOpen--
		p.destroyed++
		p.mu.Unlock()
		p.closeConn(conn)
		return true
	}
	if p.deliverLocked(conn) {
		p.mu.Unlock()
		return true
	}
	conn.transitionTo(StateIdle)
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	return true
}

// retire removes a connection from the pool's accounting and closes it.
func (p *Pool) retire(conn *PooledConn) {
	p.mu.Lock()
	p.numOpen--
	p.destroyed++
	p.mu.Unlock()
	p.closeConn(conn)
}

// closeConn closes the raw handle. Safe to call from any state.
func (p *Pool) closeConn(conn *PooledConn) {
	conn.transitionTo(StateClosed)
	if err := p.factory.Close(conn.handle); err != nil {
		log.Warn().Str("conn_id", conn.id).Err(err).Msg("Error closing connection handle")
		return
	}
	log.Debug().Str("conn_id", conn.id).Msg("Connection closed")
}

// dialWithRetry creates one connection using the configured backoff budget.
func (p *Pool) dialWithRetry(ctx context.Context) (*PooledConn, error) {
	var h Handle
	err := p.dialer.Do(ctx, func(ctx context.Context) error {
		var err error
		h, err = p.factory.Create(ctx)
		return err
	})
	if err != nil {
		return nil, &CreationError{Attempts: p.cfg.CreateAttempts, Err: err}
	}
	return p.wrap(h), nil
}

func (p *Pool) wrap(h Handle) *PooledConn {
	now := time.Now()
	conn := &PooledConn{
		id:              uuid.NewString(),
		handle:          h,
		createdAt:       now,
		pool:            p,
		state:           StateIdle,
		lastValidatedAt: now,
		lastUsedAt:      now,
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	log.Debug().Str("conn_id", conn.id).Msg("Connection created")
	return conn
}

// replenish creates connections until the pool is back at MinConns. Each
// creation uses the retry budget; one exhausted budget stops the pass, and
// the next sweep tries again.
func (p *Pool) replenish() {
	for {
		p.mu.Lock()
		if p.closing || p.numOpen >= p.cfg.MinConns {
			p.mu.Unlock()
			return
		}
		p.numOpen++ // reserve the slot before dialing
		p.mu.Unlock()

		conn, err := p.dialWithRetry(context.Background())
		p.mu.Lock()
		if err != nil {
			p.numOpen--
			p.creationErrors++
			p.mu.Unlock()
			log.Warn().Err(err).Msg("Replenish attempt gave up")
			return
		}
		if p.closing {
			p.numOpen--
			p.destroyed++
			p.mu.Unlock()
			p.closeConn(conn)
			return
		}
		if !p.deliverLocked(conn) {
			p.idle = append(p.idle, conn)
		}
		p.mu.Unlock()
	}
}

// sweepLoop runs the periodic health sweep until shutdown.
func (p *Pool) sweepLoop() {
	defer p.bg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep examines idle connections only; checked-out connections are the
// borrower's business. Over-age and over-idle connections are evicted, stale
// ones revalidated, and the pool is topped back up to MinConns.
func (p *Pool) sweep() {
	p.mu.Lock()
	ids := make([]string, len(p.idle))
	for i, conn := range p.idle {
		ids[i] = conn.id
	}
	p.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return
		}
		conn := p.takeIdleLocked(id)
		if conn == nil {
			// Acquired since the snapshot.
			p.mu.Unlock()
			continue
		}

		switch {
		case p.expiredLocked(conn):
			p.numOpen--
			p.destroyed++
			p.mu.Unlock()
			log.Debug().Str("conn_id", conn.id).Dur("age", conn.Age()).Msg("Evicting over-age connection")
			p.closeConn(conn)

		case p.cfg.MaxIdleTime > 0 && p.numOpen > p.cfg.MinConns && now.Sub(conn.lastUsed()) > p.cfg.MaxIdleTime:
			p.numOpen--
			p.destroyed++
			p.mu.Unlock()
			log.Debug().Str("conn_id", conn.id).Msg("Pruning over-idle connection")
			p.closeConn(conn)

		case now.Sub(conn.lastValidated()) > p.cfg.HealthCheckInterval:
			conn.transitionTo(StateValidating)
			p.mu.Unlock()
			p.revalidate(conn)

		default:
			p.idle = append(p.idle, conn)
			p.mu.Unlock()
		}
	}

	p.replenish()
}

// recordAcquireLocked folds one acquire latency into the running average.
// Caller holds p.mu.
func (p *Pool) recordAcquireLocked(d time.Duration) {
	if p.avgAcquire == 0 {
		p.avgAcquire = d
		return
	}
	// Exponential moving average, alpha 0.2.
	p.avgAcquire = time.Duration(0.8*float64(p.avgAcquire) + 0.2*float64(d))
}
