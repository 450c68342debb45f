package domain

import "time"

// DeductionRequest is a single logical stock movement. A positive Delta
// consumes stock, a negative Delta restocks it.
type DeductionRequest struct {
	ItemID        string
	Delta         int64
	TransactionID string

	// DeliveryTag is the broker handle used to ack or requeue the request.
	// Zero means the request did not come from the broker.
	DeliveryTag uint64
	Redelivered bool
}

// HasDelivery reports whether the request must be acknowledged at the broker.
func (r DeductionRequest) HasDelivery() bool {
	return r.DeliveryTag != 0
}

// DeductResult is the outcome of a fast-path deduction. Success is false
// when the counter did not hold enough stock.
type DeductResult struct {
	Success       bool
	TransactionID string
}

// StockRow is the durable copy of an item's quantity.
type StockRow struct {
	ItemID    string
	Quantity  int64
	UpdatedAt time.Time
}
