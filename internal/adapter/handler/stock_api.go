package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

// StockAPI is the producer side consumed by the transports.
type StockAPI interface {
	Deduct(ctx context.Context, itemID string, quantity int64) (domain.DeductResult, error)
	Add(ctx context.Context, itemID string, quantity int64) (string, error)
}

// outcome maps a service error to an HTTP status and a client message.
func outcome(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid item or quantity"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusGone, "sold out"
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrBrokerPublish):
		return http.StatusServiceUnavailable, "stock service unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
