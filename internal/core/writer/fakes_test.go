package writer

import (
	"context"
	"errors"
	"sync"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

// memLedger is an in-memory StockLedger whose batches apply on Commit only.
type memLedger struct {
	mu        sync.Mutex
	stock     map[string]int64
	processed map[string]struct{}

	applyCalls int
	commits    int
	rollbacks  int
	// batchSizes holds the number of ids looked up by each batch
	batchSizes []int

	beginErr  error
	commitErr error
	// block makes AppliedTransactions wait for ctx cancellation
	block bool
}

func newMemLedger(stock map[string]int64) *memLedger {
	return &memLedger{stock: stock, processed: make(map[string]struct{})}
}

func (l *memLedger) Begin(ctx context.Context) (port.LedgerBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.beginErr != nil {
		return nil, l.beginErr
	}

	return &memBatch{ledger: l, deltas: make(map[string]int64)}, nil
}

func (l *memLedger) ListStock(ctx context.Context) ([]domain.StockRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var rows []domain.StockRow
	for id, qty := range l.stock {
		rows = append(rows, domain.StockRow{ItemID: id, Quantity: qty})
	}
	return rows, nil
}

func (l *memLedger) GetStock(ctx context.Context, itemID string) (*domain.StockRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	qty, ok := l.stock[itemID]
	if !ok {
		return nil, nil
	}
	return &domain.StockRow{ItemID: itemID, Quantity: qty}, nil
}

func (l *memLedger) quantity(itemID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stock[itemID]
}

type memBatch struct {
	ledger   *memLedger
	recorded []string
	deltas   map[string]int64
	done     bool
}

func (b *memBatch) AppliedTransactions(ctx context.Context, ids []string) (map[string]struct{}, error) {
	if b.ledger.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	b.ledger.mu.Lock()
	defer b.ledger.mu.Unlock()

	b.ledger.batchSizes = append(b.ledger.batchSizes, len(ids))

	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := b.ledger.processed[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (b *memBatch) RecordTransactions(ctx context.Context, ids []string) error {
	b.ledger.mu.Lock()
	defer b.ledger.mu.Unlock()

	for _, id := range ids {
		if _, ok := b.ledger.processed[id]; ok {
			return errors.New("duplicate primary key")
		}
	}
	b.recorded = append(b.recorded, ids...)
	return nil
}

func (b *memBatch) ApplyDelta(ctx context.Context, itemID string, delta int64) (bool, error) {
	b.ledger.mu.Lock()
	defer b.ledger.mu.Unlock()

	b.ledger.applyCalls++

	current, ok := b.ledger.stock[itemID]
	if !ok || current+b.deltas[itemID] < delta {
		return false, nil
	}
	b.deltas[itemID] -= delta
	return true, nil
}

func (b *memBatch) Commit() error {
	b.ledger.mu.Lock()
	defer b.ledger.mu.Unlock()

	b.done = true
	if b.ledger.commitErr != nil {
		return b.ledger.commitErr
	}

	for _, id := range b.recorded {
		b.ledger.processed[id] = struct{}{}
	}
	for id, d := range b.deltas {
		b.ledger.stock[id] += d
	}
	b.ledger.commits++
	return nil
}

func (b *memBatch) Rollback() error {
	b.ledger.mu.Lock()
	defer b.ledger.mu.Unlock()

	if b.done {
		return nil
	}
	b.done = true
	b.ledger.rollbacks++
	return nil
}

type recordingAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
	err    error
}

func (a *recordingAcker) Ack(tag uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return a.err
	}
	a.acked = append(a.acked, tag)
	return nil
}

func (a *recordingAcker) Nack(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return a.err
	}
	if requeue {
		a.nacked = append(a.nacked, tag)
	}
	return nil
}

func (a *recordingAcker) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}

type recordingMetrics struct {
	mu          sync.Mutex
	consumed    map[string]int64
	added       map[string]int64
	writeErrors int
	drifts      int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{consumed: map[string]int64{}, added: map[string]int64{}}
}

func (m *recordingMetrics) Consumed(itemID string, qty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed[itemID] += qty
}

func (m *recordingMetrics) Added(itemID string, qty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added[itemID] += qty
}

func (m *recordingMetrics) WriteError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErrors++
}

func (m *recordingMetrics) Drift(string, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drifts++
}

// sliceSource hands out pre-built batches, then reports the context error.
type sliceSource struct {
	batches [][]domain.DeductionRequest
}

func (s *sliceSource) Wait(ctx context.Context) error {
	if len(s.batches) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *sliceSource) Drain(max int) []domain.DeductionRequest {
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b
}
