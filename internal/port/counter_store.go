package port

import "context"

type CounterStore interface {
	// Initialize overwrites the counter. Only safe at startup or reset.
	Initialize(ctx context.Context, itemID string, quantity int64) error

	// Deduct atomically decreases the counter by quantity, returns false
	// without mutating it if the counter holds less than quantity
	Deduct(ctx context.Context, itemID string, quantity int64) (bool, error)

	// Add atomically increases the counter (restock or compensation)
	Add(ctx context.Context, itemID string, quantity int64) error

	// Get returns the current counter, zero if it was never set
	Get(ctx context.Context, itemID string) (int64, error)
}
