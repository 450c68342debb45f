package writer

import (
	"sort"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

type itemDelta struct {
	ItemID string
	Delta  int64
}

// batchPlan is the deduplicated, aggregated form of one drained batch.
type batchPlan struct {
	// Fresh holds the transaction ids to record, in drain order.
	Fresh []string
	// Deltas holds one non-zero aggregated delta per item, sorted by item id
	// so concurrent writers touching the same rows lock them in one order.
	Deltas []itemDelta

	DuplicatesDurable int
	DuplicatesInBatch int
}

func transactionIDs(batch []domain.DeductionRequest) []string {
	seen := make(map[string]struct{}, len(batch))
	ids := make([]string, 0, len(batch))
	for _, req := range batch {
		if _, ok := seen[req.TransactionID]; ok {
			continue
		}
		seen[req.TransactionID] = struct{}{}
		ids = append(ids, req.TransactionID)
	}

	return ids
}

// planBatch drops requests already applied durably or already seen earlier
// in the same batch, and sums the rest per item.
func planBatch(batch []domain.DeductionRequest, applied map[string]struct{}) batchPlan {
	var plan batchPlan

	inBatch := make(map[string]struct{}, len(batch))
	sums := make(map[string]int64)

	for _, req := range batch {
		if _, ok := applied[req.TransactionID]; ok {
			plan.DuplicatesDurable++
			continue
		}
		if _, ok := inBatch[req.TransactionID]; ok {
			plan.DuplicatesInBatch++
			continue
		}

		inBatch[req.TransactionID] = struct{}{}
		plan.Fresh = append(plan.Fresh, req.TransactionID)
		sums[req.ItemID] += req.Delta
	}

	for itemID, delta := range sums {
		if delta == 0 {
			continue
		}
		plan.Deltas = append(plan.Deltas, itemDelta{ItemID: itemID, Delta: delta})
	}

	sort.Slice(plan.Deltas, func(i, j int) bool {
		return plan.Deltas[i].ItemID < plan.Deltas[j].ItemID
	})

	return plan
}

func (p batchPlan) Duplicates() int {
	return p.DuplicatesDurable + p.DuplicatesInBatch
}
