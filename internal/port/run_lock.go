package port

import "context"

type RunLocker interface {
	// Acquire takes the per-key run lease, returning false if another
	// probe run already holds it
	Acquire(ctx context.Context, key string) (bool, error)

	// Release gives the lease back; releasing a lease this locker does
	// not hold is a no-op
	Release(ctx context.Context, key string) error
}
