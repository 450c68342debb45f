package domain

import "errors"

var (
	// ErrInsufficientStock is only used by transports to map a failed
	// deduction; the service reports it as DeductResult.Success == false.
	ErrInsufficientStock = errors.New("insufficient stock")

	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrInvalidLockOptions = errors.New("invalid lock options")

	// ErrStoreUnavailable wraps failures of the shared fast store. Callers
	// must reject the request.
	ErrStoreUnavailable = errors.New("stock store unavailable")

	// ErrBrokerPublish means the deduction event was not confirmed by the
	// broker and is not durable.
	ErrBrokerPublish = errors.New("broker publish failed")

	// ErrPublishUnconfirmed wraps a publish whose outcome is unknown: the
	// message was handed to the broker but no confirm arrived. The broker
	// may still have stored it, so the counter must not be restored.
	ErrPublishUnconfirmed = errors.New("publish outcome unconfirmed")

	// ErrBrokerUnavailable means the consuming side lost the broker. It is
	// fatal to the writer.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrDurableWrite wraps a failed batch transaction. The batch is
	// retried through broker redelivery.
	ErrDurableWrite = errors.New("durable write failed")

	ErrLockTimeout = errors.New("lock acquisition timed out")
)
