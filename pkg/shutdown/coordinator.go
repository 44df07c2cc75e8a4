// Package shutdown coordinates graceful process teardown. Components
// register named cleanup functions; on a signal or an explicit trigger the
// coordinator runs them in reverse registration order under a deadline.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// State describes where the coordinator is in its lifecycle.
type State string

const (
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateDone         State = "done"
)

// CleanupFunc tears one component down. It must respect ctx's deadline.
type CleanupFunc func(ctx context.Context) error

type cleanup struct {
	name string
	fn   CleanupFunc
}

// Coordinator runs registered cleanups exactly once, last registered first,
// so dependents shut down before their dependencies.
type Coordinator struct {
	timeout time.Duration

	mu       sync.Mutex
	cleanups []cleanup
	state    State

	once sync.Once
	done chan struct{}
}

// New creates a Coordinator. timeout bounds the whole cleanup pass.
func New(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		timeout: timeout,
		state:   StateRunning,
		done:    make(chan struct{}),
	}
}

// Register adds a named cleanup. Registration after shutdown has begun is
// ignored with a warning.
func (c *Coordinator) Register(name string, fn CleanupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		log.Warn().Str("cleanup", name).Msg("Cleanup registered after shutdown began, ignoring")
		return
	}
	c.cleanups = append(c.cleanups, cleanup{name: name, fn: fn})
}

// Status returns the current lifecycle state.
func (c *Coordinator) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once shutdown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// HandleSignals blocks until SIGINT or SIGTERM arrives, then runs Shutdown.
// A second signal during cleanup exits immediately.
func (c *Coordinator) HandleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Received second signal, exiting immediately")
		os.Exit(1)
	}()

	c.Shutdown()
}

// Shutdown runs every registered cleanup in LIFO order. It is idempotent;
// concurrent and repeated calls all wait for the single cleanup pass.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateShuttingDown
		cleanups := make([]cleanup, len(c.cleanups))
		copy(cleanups, c.cleanups)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		for i := len(cleanups) - 1; i >= 0; i-- {
			cl := cleanups[i]
			start := time.Now()
			if err := cl.fn(ctx); err != nil {
				log.Error().Str("cleanup", cl.name).Err(err).Msg("Cleanup failed")
			} else {
				log.Info().Str("cleanup", cl.name).Dur("took", time.Since(start)).Msg("Cleanup complete")
			}
			if ctx.Err() != nil && i > 0 {
				log.Error().Int("remaining", i).Msg("Shutdown deadline exceeded, skipping remaining cleanups")
				break
			}
		}

		c.mu.Lock()
		c.state = StateDone
		c.mu.Unlock()
		close(c.done)
		log.Info().Msg("Shutdown complete")
	})
	<-c.done
}
