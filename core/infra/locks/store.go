// Package locks provides exclusive, TTL-bounded document locks so two
// workflow runs never drive the same document at once.
package locks

import (
	"context"
	"time"
)

// DefaultTTL bounds how long a run may hold its document without renewing.
const DefaultTTL = 5 * time.Minute

// Store manages exclusive document locks. Acquire is reentrant for the same
// owner and extends the TTL.
type Store interface {
	// Acquire takes the lock for owner. Returns false when another owner
	// holds it.
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	// Release frees the lock if owner holds it. Returns false otherwise.
	Release(ctx context.Context, resource, owner string) (bool, error)
	// Renew extends the TTL if owner holds the lock.
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	// Owner returns the current holder, or "" when unlocked.
	Owner(ctx context.Context, resource string) (string, error)
}
