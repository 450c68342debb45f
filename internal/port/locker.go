package port

import (
	"context"
	"time"
)

const stockLockKeyPrefix = "lock:stock:"

// StockLockKey is the lease resource key guarding one item's counter.
func StockLockKey(itemID string) string {
	return stockLockKeyPrefix + itemID
}

type LockOptions struct {
	// LeaseTTL is how long the key lives if the holder never releases it
	LeaseTTL time.Duration
	// MaxWait bounds how long Acquire keeps polling
	MaxWait time.Duration
	// RetryInterval is the delay between polls
	RetryInterval time.Duration
}

type Lease interface {
	Acquired() bool
	ValidUntil() time.Time
	Release(ctx context.Context) error
}

type Locker interface {
	// Acquire polls until the key is set to ownerToken or MaxWait elapsed.
	// On timeout it returns an unacquired lease and domain.ErrLockTimeout.
	Acquire(ctx context.Context, resourceKey, ownerToken string, opts LockOptions) (Lease, error)
}
