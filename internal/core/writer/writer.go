// Package writer persists broker-delivered stock movements to the durable
// store in batches.
//
// One Writer runs per process and is the only runtime writer of stock rows
// and processed-transaction records. Each iteration waits for data, drains up
// to MaxBatchSize requests, drops requests whose transaction id was already
// applied (durably or earlier in the same batch), sums the remaining deltas
// per item and commits everything in one transaction. Deliveries are acked
// after a successful commit, duplicates included, and nacked for redelivery
// after a failed one.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/core/handoff"
	"github.com/rl1809/stock-sync/internal/port"
)

// ErrDrift is returned by a commit aborted under DriftAbort.
var ErrDrift = errors.New("durable stock row rejected update")

type DriftPolicy string

const (
	// DriftLog logs a rejected row update and commits the rest of the batch.
	DriftLog DriftPolicy = "log"
	// DriftAbort rolls the whole batch back and requeues it.
	DriftAbort DriftPolicy = "abort"
)

type Config struct {
	MaxBatchSize  int
	RetryPause    time.Duration
	MaxRetryPause time.Duration
	DriftPolicy   DriftPolicy
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  100,
		RetryPause:    time.Second,
		MaxRetryPause: 30 * time.Second,
		DriftPolicy:   DriftLog,
	}
}

// Source is the consuming end of the handoff channel.
type Source interface {
	Wait(ctx context.Context) error
	Drain(max int) []domain.DeductionRequest
}

type Stats struct {
	Batches    uint64
	Committed  uint64
	Duplicates uint64
	Failures   uint64
	Drifts     uint64
}

type Writer struct {
	source  Source
	ledger  port.StockLedger
	acker   port.Acknowledger
	metrics port.MetricsSink
	logger  *zap.Logger
	tracer  trace.Tracer
	cfg     Config

	consecutiveFailures int

	batches    atomic.Uint64
	committed  atomic.Uint64
	duplicates atomic.Uint64
	failures   atomic.Uint64
	drifts     atomic.Uint64
}

func New(source Source, ledger port.StockLedger, acker port.Acknowledger, metrics port.MetricsSink, logger *zap.Logger, cfg Config) *Writer {
	defaults := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = defaults.RetryPause
	}
	if cfg.MaxRetryPause <= 0 {
		cfg.MaxRetryPause = defaults.MaxRetryPause
	}
	if cfg.MaxRetryPause < cfg.RetryPause {
		cfg.MaxRetryPause = cfg.RetryPause
	}
	if cfg.DriftPolicy == "" {
		cfg.DriftPolicy = defaults.DriftPolicy
	}
	if metrics == nil {
		metrics = port.NopMetrics{}
	}

	return &Writer{
		source:  source,
		ledger:  ledger,
		acker:   acker,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "batch_writer")),
		tracer:  otel.Tracer("github.com/rl1809/stock-sync/internal/core/writer"),
		cfg:     cfg,
	}
}

// Run loops until ctx is cancelled or the source is closed and empty. It
// returns a non-nil error only when the broker can no longer be settled,
// which the supervisor treats as fatal.
//
// Requests drained but not committed when ctx is cancelled are left
// unsettled; the broker redelivers them once the channel closes.
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("batch writer started",
		zap.Int("max_batch_size", w.cfg.MaxBatchSize),
		zap.String("drift_policy", string(w.cfg.DriftPolicy)),
	)

	for {
		if err := w.source.Wait(ctx); err != nil {
			if errors.Is(err, handoff.ErrClosed) || ctx.Err() != nil {
				w.logger.Info("batch writer stopped")
				return nil
			}
			return fmt.Errorf("wait for data: %w", err)
		}

		batch := w.source.Drain(w.cfg.MaxBatchSize)
		if len(batch) == 0 {
			continue
		}

		if err := w.processBatch(ctx, batch); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("batch writer stopped, batch left for redelivery", zap.Int("batch_size", len(batch)))
				return nil
			}
			return err
		}
	}
}

func (w *Writer) Stats() Stats {
	return Stats{
		Batches:    w.batches.Load(),
		Committed:  w.committed.Load(),
		Duplicates: w.duplicates.Load(),
		Failures:   w.failures.Load(),
		Drifts:     w.drifts.Load(),
	}
}

func (w *Writer) processBatch(ctx context.Context, batch []domain.DeductionRequest) error {
	w.batches.Add(1)

	result, err := w.commit(ctx, batch)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		w.failures.Add(1)
		w.metrics.WriteError()
		w.logger.Error("batch commit failed, requeueing", zap.Int("batch_size", len(batch)), zap.Error(err))

		if err := w.settle(batch, false); err != nil {
			return err
		}

		return w.pause(ctx)
	}

	w.consecutiveFailures = 0
	w.committed.Add(uint64(len(result.plan.Fresh)))
	w.duplicates.Add(uint64(result.plan.Duplicates()))

	for _, d := range result.applied {
		if d.Delta > 0 {
			w.metrics.Consumed(d.ItemID, d.Delta)
		} else {
			w.metrics.Added(d.ItemID, -d.Delta)
		}
	}

	w.logger.Debug("batch committed",
		zap.Int("batch_size", len(batch)),
		zap.Int("fresh", len(result.plan.Fresh)),
		zap.Int("duplicates", result.plan.Duplicates()),
		zap.Int("items", len(result.plan.Deltas)),
	)

	return w.settle(batch, true)
}

type commitResult struct {
	plan    batchPlan
	applied []itemDelta
}

func (w *Writer) commit(ctx context.Context, batch []domain.DeductionRequest) (result commitResult, err error) {
	ctx, span := w.tracer.Start(ctx, "writer.commit", trace.WithAttributes(attribute.Int("batch.size", len(batch))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := w.ledger.Begin(ctx)
	if err != nil {
		return result, err
	}

	done := false
	defer func() {
		if done {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			w.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	applied, err := tx.AppliedTransactions(ctx, transactionIDs(batch))
	if err != nil {
		return result, err
	}

	result.plan = planBatch(batch, applied)
	if n := result.plan.Duplicates(); n > 0 {
		w.logger.Warn("duplicate transactions skipped",
			zap.Int("durable", result.plan.DuplicatesDurable),
			zap.Int("in_batch", result.plan.DuplicatesInBatch),
		)
	}

	if err := tx.RecordTransactions(ctx, result.plan.Fresh); err != nil {
		return result, err
	}

	for _, d := range result.plan.Deltas {
		ok, err := tx.ApplyDelta(ctx, d.ItemID, d.Delta)
		if err != nil {
			return result, err
		}

		if !ok {
			w.drifts.Add(1)
			w.metrics.Drift(d.ItemID, d.Delta)
			w.logger.Error("durable stock update rejected, insufficient stock or unknown item",
				zap.String("item_id", d.ItemID),
				zap.Int64("delta", d.Delta),
			)

			if w.cfg.DriftPolicy == DriftAbort {
				return result, fmt.Errorf("%w: item %s delta %d", ErrDrift, d.ItemID, d.Delta)
			}
			continue
		}

		result.applied = append(result.applied, d)
	}

	if err := tx.Commit(); err != nil {
		return result, err
	}
	done = true

	return result, nil
}

// settle acks or requeues every delivery of the batch. Requests that did
// not come from the broker are skipped.
func (w *Writer) settle(batch []domain.DeductionRequest, ack bool) error {
	for _, req := range batch {
		if !req.HasDelivery() {
			continue
		}

		var err error
		if ack {
			err = w.acker.Ack(req.DeliveryTag)
		} else {
			err = w.acker.Nack(req.DeliveryTag, true)
		}

		if err != nil {
			return fmt.Errorf("settle delivery %d: %w: %w", req.DeliveryTag, domain.ErrBrokerUnavailable, err)
		}
	}

	return nil
}

// pause backs off after a failed commit, doubling per consecutive failure.
func (w *Writer) pause(ctx context.Context) error {
	w.consecutiveFailures++

	delay := w.cfg.RetryPause
	for i := 1; i < w.consecutiveFailures && delay < w.cfg.MaxRetryPause; i++ {
		delay *= 2
	}
	delay = min(delay, w.cfg.MaxRetryPause)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
