package pool

import "context"

// Handle is an opaque raw connection handle produced by a Factory. The pool
// never inspects it; ownership transfer through the pool guarantees at most
// one user at a time.
type Handle any

// Factory creates, validates, and closes raw connection handles. The pool
// calls Create and Validate without holding any internal lock, so
// implementations may block on I/O; both are bounded by the context they
// receive.
type Factory interface {
	// Create dials a new raw connection.
	Create(ctx context.Context) (Handle, error)

	// Validate performs a cheap liveness check on an existing handle.
	// A non-nil error marks the handle unusable.
	Validate(ctx context.Context, h Handle) error

	// Close releases the handle's underlying resources.
	Close(h Handle) error
}
