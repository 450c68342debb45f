package port

import (
	"context"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

// StockLedger is the durable store. Only the batch writer opens batches.
type StockLedger interface {
	// Begin opens one durable transaction for a batch
	Begin(ctx context.Context) (LedgerBatch, error)

	// ListStock returns every durable stock row
	ListStock(ctx context.Context) ([]domain.StockRow, error)

	// GetStock returns the durable row, nil if the item is unknown
	GetStock(ctx context.Context, itemID string) (*domain.StockRow, error)
}

// LedgerBatch is a single open transaction. Either Commit or Rollback must
// be called exactly once.
type LedgerBatch interface {
	// AppliedTransactions returns the subset of ids already recorded as processed
	AppliedTransactions(ctx context.Context, transactionIDs []string) (map[string]struct{}, error)

	// RecordTransactions inserts processed-transaction records
	RecordTransactions(ctx context.Context, transactionIDs []string) error

	// ApplyDelta subtracts delta from the item's row, returns false if the
	// row is missing or the update would drive it negative
	ApplyDelta(ctx context.Context, itemID string, delta int64) (bool, error)

	Commit() error
	Rollback() error
}
