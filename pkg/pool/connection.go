package pool

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateCheckedOut ConnState = "checked_out"
	StateValidating ConnState = "validating"
	StateClosed     ConnState = "closed"
)

// connTransitions defines the legal state machine for a connection.
// closed is terminal.
var connTransitions = map[ConnState]map[ConnState]bool{
	StateIdle:       {StateCheckedOut: true, StateValidating: true, StateClosed: true},
	StateCheckedOut: {StateIdle: true, StateValidating: true, StateClosed: true},
	StateValidating: {StateIdle: true, StateCheckedOut: true, StateClosed: true},
	StateClosed:     {},
}

// PooledConn wraps exactly one raw handle for its entire lifetime. The pool
// owns it while idle; the borrower owns it exclusively while checked out.
type PooledConn struct {
	id        string
	handle    Handle
	createdAt time.Time
	pool      *Pool // return path only, never extends the pool's lifetime

	mu              sync.RWMutex
	state           ConnState
	lastValidatedAt time.Time
	lastUsedAt      time.Time
	useCount        int64
}

// ID returns the connection's unique identifier.
func (c *PooledConn) ID() string {
	return c.id
}

// Handle returns the raw handle. Callers must only use it while the
// connection is checked out to them.
func (c *PooledConn) Handle() Handle {
	return c.handle
}

// State returns the current lifecycle state.
func (c *PooledConn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Age returns how long ago the connection was created.
func (c *PooledConn) Age() time.Duration {
	return time.Since(c.createdAt)
}

// IdleTime returns how long ago the connection was last used.
func (c *PooledConn) IdleTime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastUsedAt)
}

// UseCount returns how many times the connection has been checked out.
func (c *PooledConn) UseCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.useCount
}

// Release returns the connection to its pool. Equivalent to pool.Release(c).
func (c *PooledConn) Release() {
	c.pool.Release(c)
}

// transitionTo moves the connection to next, enforcing the transition table.
// Illegal transitions are logged and ignored; closed stays closed.
func (c *PooledConn) transitionTo(next ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !connTransitions[c.state][next] {
		log.Error().
			Str("conn_id", c.id).
			Str("from", string(c.state)).
			Str("to", string(next)).
			Msg("Illegal connection state transition")
		return false
	}
	c.state = next
	return true
}

func (c *PooledConn) markUsed() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.useCount++
	c.mu.Unlock()
}

func (c *PooledConn) markValidated() {
	c.mu.Lock()
	c.lastValidatedAt = time.Now()
	c.mu.Unlock()
}

func (c *PooledConn) lastValidated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastValidatedAt
}

func (c *PooledConn) lastUsed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsedAt
}
