// Package lock defines the named lock contract used to serialize
// cluster-wide activities such as sweeps. Workflow advancement does not
// use named locks; it locks the instance row through the workflow store.
package lock

import (
	"context"
	"time"
)

// Handle represents a held named lock.
type Handle interface {
	// Release frees the lock. Releasing an expired lock is a no-op.
	Release(ctx context.Context) error

	// Refresh extends the lock's TTL from now. Fails if the lock has
	// expired or was taken over.
	Refresh(ctx context.Context, ttl time.Duration) error
}

// Locker grants exclusive named locks with a TTL so a crashed holder
// cannot wedge the name forever.
type Locker interface {
	// Acquire takes the named lock for ttl. Returns maestro.ErrLockHeld
	// without waiting if another holder has it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Handle, error)
}
