package port

import (
	"context"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

// DeductionPublisher hands a deduction event to the durable broker. It
// returns only after the broker confirmed the message.
type DeductionPublisher interface {
	Publish(ctx context.Context, req domain.DeductionRequest) error
}

// Acknowledger settles broker deliveries by tag.
type Acknowledger interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// DeductionSink receives decoded deliveries on the consuming side.
type DeductionSink interface {
	Enqueue(req domain.DeductionRequest) error
}
