package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

// StockService is the producer side: it moves the fast counter and hands
// every successful movement to the broker before returning.
type StockService struct {
	counter   port.CounterStore
	publisher port.DeductionPublisher
	locker    port.Locker
	lockOpts  port.LockOptions
	logger    *zap.Logger
	tracer    trace.Tracer
	newID     func() string
}

func NewStockService(counter port.CounterStore, publisher port.DeductionPublisher, locker port.Locker, lockOpts port.LockOptions, logger *zap.Logger) *StockService {
	return &StockService{
		counter:   counter,
		publisher: publisher,
		locker:    locker,
		lockOpts:  lockOpts,
		logger:    logger.With(zap.String("component", "stock_service")),
		tracer:    otel.Tracer("github.com/rl1809/stock-sync/internal/core/service"),
		newID:     newTransactionID,
	}
}

func newTransactionID() string {
	return uuid.NewString()
}

// Deduct consumes quantity from the counter. Insufficient stock is reported
// as Success == false with a nil error. If the event definitely failed to
// publish the counter is restored and the publish error is returned. An
// unconfirmed publish keeps the deduction, since the broker may deliver the
// event later, and returns the error with the transaction id set.
func (s *StockService) Deduct(ctx context.Context, itemID string, quantity int64) (result domain.DeductResult, err error) {
	ctx, span := s.startSpan(ctx, "stock.deduct", itemID, quantity)
	defer func() { endSpan(span, err) }()

	if err := validate(itemID, quantity); err != nil {
		return domain.DeductResult{}, err
	}

	ok, err := s.counter.Deduct(ctx, itemID, quantity)
	if err != nil {
		return domain.DeductResult{}, fmt.Errorf("deduct %s: %w", itemID, err)
	}
	if !ok {
		span.SetAttributes(attribute.Bool("stock.sufficient", false))
		return domain.DeductResult{Success: false}, nil
	}

	req := domain.DeductionRequest{
		ItemID:        itemID,
		Delta:         quantity,
		TransactionID: s.newID(),
	}

	if err := s.publisher.Publish(ctx, req); err != nil {
		if errors.Is(err, domain.ErrPublishUnconfirmed) {
			s.logger.Error("publish unconfirmed, deduction kept for reconciliation",
				zap.String("item_id", itemID),
				zap.Int64("delta", req.Delta),
				zap.String("transaction_id", req.TransactionID),
				zap.Error(err),
			)
			return domain.DeductResult{TransactionID: req.TransactionID}, err
		}

		s.compensate(ctx, req, func(ctx context.Context) error {
			return s.counter.Add(ctx, itemID, quantity)
		})
		return domain.DeductResult{}, err
	}

	return domain.DeductResult{Success: true, TransactionID: req.TransactionID}, nil
}

// Add restocks the counter and publishes a negative delta. Any publish error,
// unconfirmed included, takes the restock back out of the counter: a lost
// restock leaves the counter below the durable row, never above it.
func (s *StockService) Add(ctx context.Context, itemID string, quantity int64) (transactionID string, err error) {
	ctx, span := s.startSpan(ctx, "stock.add", itemID, quantity)
	defer func() { endSpan(span, err) }()

	if err := validate(itemID, quantity); err != nil {
		return "", err
	}

	if err := s.counter.Add(ctx, itemID, quantity); err != nil {
		return "", fmt.Errorf("add %s: %w", itemID, err)
	}

	req := domain.DeductionRequest{
		ItemID:        itemID,
		Delta:         -quantity,
		TransactionID: s.newID(),
	}

	if err := s.publisher.Publish(ctx, req); err != nil {
		s.compensate(ctx, req, func(ctx context.Context) error {
			ok, err := s.counter.Deduct(ctx, itemID, quantity)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrInsufficientStock
			}
			return nil
		})
		return "", err
	}

	return req.TransactionID, nil
}

// Reset overwrites the counter while holding the item's lease so that two
// instances never interleave a reset. It does not guard against concurrent
// deductions.
func (s *StockService) Reset(ctx context.Context, itemID string, quantity int64) error {
	if itemID == "" || quantity < 0 {
		return domain.ErrInvalidQuantity
	}

	lease, err := s.locker.Acquire(ctx, port.StockLockKey(itemID), uuid.NewString(), s.lockOpts)
	if err != nil {
		return fmt.Errorf("reset %s: %w", itemID, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release reset lock", zap.String("item_id", itemID), zap.Error(err))
		}
	}()

	if err := s.counter.Initialize(ctx, itemID, quantity); err != nil {
		return fmt.Errorf("reset %s: %w", itemID, err)
	}

	s.logger.Info("counter reset", zap.String("item_id", itemID), zap.Int64("quantity", quantity))

	return nil
}

// Warmup copies durable quantities into the counters. Run it before traffic
// is accepted.
func (s *StockService) Warmup(ctx context.Context, rows []domain.StockRow) error {
	for _, row := range rows {
		if err := s.Reset(ctx, row.ItemID, row.Quantity); err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
	}

	s.logger.Info("counters warmed up", zap.Int("items", len(rows)))

	return nil
}

func (s *StockService) compensate(ctx context.Context, req domain.DeductionRequest, undo func(context.Context) error) {
	if err := undo(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("CRITICAL: counter compensation failed after publish error",
			zap.String("item_id", req.ItemID),
			zap.Int64("delta", req.Delta),
			zap.String("transaction_id", req.TransactionID),
			zap.Error(err),
		)
		return
	}

	s.logger.Warn("counter compensated after publish error",
		zap.String("item_id", req.ItemID),
		zap.Int64("delta", req.Delta),
		zap.String("transaction_id", req.TransactionID),
	)
}

func (s *StockService) startSpan(ctx context.Context, name, itemID string, quantity int64) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("item.id", itemID),
		attribute.Int64("item.quantity", quantity),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func validate(itemID string, quantity int64) error {
	if itemID == "" {
		return fmt.Errorf("%w: empty item id", domain.ErrInvalidQuantity)
	}
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}

	return nil
}
