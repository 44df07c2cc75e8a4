package pool

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPoolClosed is returned for any operation attempted during or after
	// shutdown. It is not retryable.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrPoolExhausted is returned when no connection became available before
	// the caller's deadline. Callers may retry with backoff.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// ConfigError reports every violated configuration constraint at once so
// callers can fix all of them in a single pass.
type ConfigError struct {
	Violations []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid pool configuration: %s", strings.Join(e.Violations, "; "))
}

// CreationError wraps a factory failure. It never crosses the Acquire
// boundary: callers observe only ErrPoolExhausted or ErrPoolClosed while the
// pool logs the underlying cause.
type CreationError struct {
	Attempts int
	Err      error
}

func (e *CreationError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("connection creation failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection creation failed: %v", e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}
