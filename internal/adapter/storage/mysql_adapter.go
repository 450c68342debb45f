package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

//go:embed schema.sql
var schemaSQL string

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// ApplySchema creates the tables if they do not exist.
func (m *MySQLAdapter) ApplySchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}

// UpsertStock sets the durable quantity. Setup only, never while a writer runs.
func (m *MySQLAdapter) UpsertStock(ctx context.Context, itemID string, quantity int64) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stock_rows (item_id, qty) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE qty = VALUES(qty)`,
		itemID, quantity,
	)
	if err != nil {
		return fmt.Errorf("upsert stock: %w", err)
	}

	return nil
}

func (m *MySQLAdapter) GetStock(ctx context.Context, itemID string) (*domain.StockRow, error) {
	var row domain.StockRow
	err := m.db.QueryRowContext(ctx, `
		SELECT item_id, qty, updated_at
		FROM stock_rows WHERE item_id = ?`, itemID,
	).Scan(&row.ItemID, &row.Quantity, &row.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}

	return &row, nil
}

func (m *MySQLAdapter) ListStock(ctx context.Context) ([]domain.StockRow, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT item_id, qty, updated_at FROM stock_rows ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}
	defer rows.Close()

	var out []domain.StockRow
	for rows.Next() {
		var row domain.StockRow
		if err := rows.Scan(&row.ItemID, &row.Quantity, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}

	return out, nil
}

func (m *MySQLAdapter) Begin(ctx context.Context) (port.LedgerBatch, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w: %w", domain.ErrDurableWrite, err)
	}

	return &mysqlBatch{tx: tx}, nil
}

type mysqlBatch struct {
	tx *sql.Tx
}

func (b *mysqlBatch) AppliedTransactions(ctx context.Context, transactionIDs []string) (map[string]struct{}, error) {
	applied := make(map[string]struct{})
	if len(transactionIDs) == 0 {
		return applied, nil
	}

	query := `SELECT transaction_id FROM processed_transactions WHERE transaction_id IN (` +
		placeholders(len(transactionIDs)) + `)`

	rows, err := b.tx.QueryContext(ctx, query, toArgs(transactionIDs)...)
	if err != nil {
		return nil, fmt.Errorf("query processed transactions: %w: %w", domain.ErrDurableWrite, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processed transaction: %w: %w", domain.ErrDurableWrite, err)
		}
		applied[id] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query processed transactions: %w: %w", domain.ErrDurableWrite, err)
	}

	return applied, nil
}

func (b *mysqlBatch) RecordTransactions(ctx context.Context, transactionIDs []string) error {
	if len(transactionIDs) == 0 {
		return nil
	}

	values := strings.TrimSuffix(strings.Repeat("(?),", len(transactionIDs)), ",")
	query := `INSERT INTO processed_transactions (transaction_id) VALUES ` + values

	if _, err := b.tx.ExecContext(ctx, query, toArgs(transactionIDs)...); err != nil {
		return fmt.Errorf("insert processed transactions: %w: %w", domain.ErrDurableWrite, err)
	}

	return nil
}

// ApplyDelta is guarded so the row never goes negative. A negative delta
// (restock) always satisfies the guard.
func (b *mysqlBatch) ApplyDelta(ctx context.Context, itemID string, delta int64) (bool, error) {
	result, err := b.tx.ExecContext(ctx, `
		UPDATE stock_rows
		SET qty = qty - ?
		WHERE item_id = ? AND qty >= ?`,
		delta, itemID, delta,
	)
	if err != nil {
		return false, fmt.Errorf("update stock: %w: %w", domain.ErrDurableWrite, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update stock: %w: %w", domain.ErrDurableWrite, err)
	}

	return rows > 0, nil
}

func (b *mysqlBatch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w: %w", domain.ErrDurableWrite, err)
	}

	return nil
}

func (b *mysqlBatch) Rollback() error {
	err := b.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}

	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	return args
}
