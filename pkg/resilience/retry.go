// Package resilience provides bounded-attempt retry with backoff for
// operations that talk to an unreliable backing store.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy selects how the delay between attempts grows.
type Policy string

const (
	// PolicyFixed uses the same delay between every attempt.
	PolicyFixed Policy = "fixed"
	// PolicyExponential multiplies the delay after each failed attempt.
	PolicyExponential Policy = "exponential"
)

// ErrMaxAttemptsExceeded wraps the last error once every attempt has failed.
var ErrMaxAttemptsExceeded = errors.New("maximum retry attempts exceeded")

// Config configures a retry Executor.
type Config struct {
	Name        string        `json:"name"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
	Jitter      bool          `json:"jitter"`
	JitterRange float64       `json:"jitter_range"` // 0.0 to 1.0
	Policy      Policy        `json:"policy"`

	// IsRetryable decides whether an error is worth another attempt.
	// Context errors are never retried.
	IsRetryable func(error) bool `json:"-"`
}

// DefaultConfig returns an exponential-backoff configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:        "default",
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		JitterRange: 0.1,
		Policy:      PolicyExponential,
	}
}

// Executor runs operations with bounded retries.
type Executor struct {
	config *Config
}

// NewExecutor creates an Executor, filling in unset config fields.
func NewExecutor(config *Config) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.JitterRange < 0 || config.JitterRange > 1 {
		config.JitterRange = 0.1
	}
	if config.IsRetryable == nil {
		config.IsRetryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	return &Executor{config: config}
}

// Do runs op until it succeeds, the attempt budget runs out, or ctx ends.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !e.config.IsRetryable(err) {
			return err
		}
		if attempt == e.config.MaxAttempts {
			break
		}

		delay := e.delayFor(attempt)
		log.Debug().
			Str("name", e.config.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after failed attempt")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrMaxAttemptsExceeded, e.config.MaxAttempts, lastErr)
}

// delayFor computes the delay before the attempt following attempt.
func (e *Executor) delayFor(attempt int) time.Duration {
	var delay time.Duration
	switch e.config.Policy {
	case PolicyFixed:
		delay = e.config.BaseDelay
	default:
		delay = time.Duration(float64(e.config.BaseDelay) * math.Pow(e.config.Multiplier, float64(attempt-1)))
	}
	if delay > e.config.MaxDelay {
		delay = e.config.MaxDelay
	}
	if e.config.Jitter {
		delay = e.addJitter(delay)
	}
	return delay
}

func (e *Executor) addJitter(delay time.Duration) time.Duration {
	if e.config.JitterRange <= 0 {
		return delay
	}
	jitterAmount := float64(delay) * e.config.JitterRange
	jitter := (rand.Float64() - 0.5) * 2 * jitterAmount
	newDelay := float64(delay) + jitter
	if newDelay < 0 {
		newDelay = float64(delay) * 0.1
	}
	return time.Duration(newDelay)
}

// WithExponentialBackoff creates an Executor with exponential backoff.
func WithExponentialBackoff(name string, maxAttempts int, baseDelay, maxDelay time.Duration) *Executor {
	return NewExecutor(&Config{
		Name:        name,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Multiplier:  2.0,
		Jitter:      true,
		JitterRange: 0.1,
		Policy:      PolicyExponential,
	})
}

// WithFixedDelay creates an Executor with a constant delay.
func WithFixedDelay(name string, maxAttempts int, delay time.Duration) *Executor {
	return NewExecutor(&Config{
		Name:        name,
		MaxAttempts: maxAttempts,
		BaseDelay:   delay,
		MaxDelay:    delay,
		Policy:      PolicyFixed,
	})
}
