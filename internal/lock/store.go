// Package lock implements rotten-lease leader election over a database
// table. A lease is a (name, owner, locked_at) row; the (owner, locked_at)
// pair is a fencing token, so an expired holder that comes back cannot
// heartbeat its way into a lease someone else took over.
package lock

import (
	"context"
	"time"
)

// Store is the lease table behind a backend-neutral interface. locked_at
// values are generated by the store and must be passed back verbatim; the
// caller never fabricates a token.
type Store interface {
	// TryAcquire takes the lease if it is free or expired (locked_at older
	// than now-leaseTTL). It returns whether it was acquired and, if so,
	// the locked_at token to use for the first Confirm.
	TryAcquire(ctx context.Context, name, owner string, leaseTTL time.Duration) (bool, time.Time, error)

	// Confirm is the heartbeat: it moves locked_at forward iff name, owner,
	// and the previous token still match, and returns the new token. A
	// false result means the lease was lost.
	Confirm(ctx context.Context, name, owner string, token time.Time) (time.Time, bool, error)

	// Release frees the lease iff name, owner, and token still match.
	Release(ctx context.Context, name, owner string, token time.Time) (bool, error)
}
