package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

var (
	selectProcessed = regexp.QuoteMeta(`SELECT transaction_id FROM processed_transactions WHERE transaction_id IN (?,?)`)
	insertProcessed = regexp.QuoteMeta(`INSERT INTO processed_transactions (transaction_id) VALUES (?)`)
	updateStock     = `UPDATE stock_rows\s+SET qty = qty - \?\s+WHERE item_id = \? AND qty >= \?`
)

func newMockAdapter(t *testing.T) (*MySQLAdapter, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewMySQLAdapter(db), mock
}

func TestMySQLBatch_Commit(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(selectProcessed).
		WithArgs("tx-1", "tx-2").
		WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}).AddRow("tx-1"))
	mock.ExpectExec(insertProcessed).
		WithArgs("tx-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateStock).
		WithArgs(int64(3), "item-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	batch, err := adapter.Begin(ctx)
	require.NoError(t, err)

	applied, err := batch.AppliedTransactions(ctx, []string{"tx-1", "tx-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"tx-1": {}}, applied)

	require.NoError(t, batch.RecordTransactions(ctx, []string{"tx-2"}))

	ok, err := batch.ApplyDelta(ctx, "item-1", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, batch.Commit())
	require.NoError(t, batch.Rollback(), "rollback after commit is a no-op")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLBatch_GuardRejectsUpdate(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(updateStock).
		WithArgs(int64(50), "item-1", int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	batch, err := adapter.Begin(ctx)
	require.NoError(t, err)

	ok, err := batch.ApplyDelta(ctx, "item-1", 50)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, batch.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLBatch_FailedUpdateRollsBack(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(insertProcessed).
		WithArgs("tx-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateStock).
		WillReturnError(errors.New("lock wait timeout exceeded"))
	mock.ExpectRollback()

	batch, err := adapter.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, batch.RecordTransactions(ctx, []string{"tx-1"}))

	_, err = batch.ApplyDelta(ctx, "item-1", 1)
	assert.ErrorIs(t, err, domain.ErrDurableWrite)

	require.NoError(t, batch.Rollback())

	// no commit was issued: the processed record is discarded with the update
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLBatch_CommitFailure(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	batch, err := adapter.Begin(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, batch.Commit(), domain.ErrDurableWrite)
	assert.NoError(t, batch.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLBatch_EmptyInputsSkipQueries(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	batch, err := adapter.Begin(ctx)
	require.NoError(t, err)

	applied, err := batch.AppliedTransactions(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, applied)
	require.NoError(t, batch.RecordTransactions(ctx, nil))

	require.NoError(t, batch.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLAdapter_BeginFailure(t *testing.T) {
	adapter, mock := newMockAdapter(t)

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := adapter.Begin(context.Background())
	assert.ErrorIs(t, err, domain.ErrDurableWrite)
}

func TestMySQLAdapter_GetStock(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT item_id, qty, updated_at\s+FROM stock_rows WHERE item_id = \?`).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "qty", "updated_at"}).AddRow("item-1", int64(42), now))
	mock.ExpectQuery(`SELECT item_id, qty, updated_at\s+FROM stock_rows WHERE item_id = \?`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	row, err := adapter.GetStock(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, &domain.StockRow{ItemID: "item-1", Quantity: 42, UpdatedAt: now}, row)

	row, err = adapter.GetStock(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestMySQLAdapter_ListStock(t *testing.T) {
	adapter, mock := newMockAdapter(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT item_id, qty, updated_at FROM stock_rows ORDER BY item_id`)).
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "qty", "updated_at"}).
			AddRow("a", int64(1), now).
			AddRow("b", int64(2), now))

	rows, err := adapter.ListStock(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[1].ItemID)
	assert.Equal(t, int64(2), rows[1].Quantity)
}

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/stock_sync?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("MySQL not available: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

func TestMySQLAdapter_Live(t *testing.T) {
	db := getMySQLDB(t)
	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	require.NoError(t, adapter.ApplySchema(ctx))

	itemID := "live-" + uuid.NewString()[:8]
	require.NoError(t, adapter.UpsertStock(ctx, itemID, 100))
	t.Cleanup(func() { db.ExecContext(ctx, `DELETE FROM stock_rows WHERE item_id = ?`, itemID) })

	txID := uuid.NewString()

	batch, err := adapter.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.RecordTransactions(ctx, []string{txID}))
	ok, err := batch.ApplyDelta(ctx, itemID, 30)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, batch.Commit())

	// replay is detected inside the next batch
	batch, err = adapter.Begin(ctx)
	require.NoError(t, err)
	applied, err := batch.AppliedTransactions(ctx, []string{txID, uuid.NewString()})
	require.NoError(t, err)
	assert.Contains(t, applied, txID)
	assert.Len(t, applied, 1)

	ok, err = batch.ApplyDelta(ctx, itemID, 1000)
	require.NoError(t, err)
	assert.False(t, ok, "guard must reject driving the row negative")
	require.NoError(t, batch.Rollback())

	row, err := adapter.GetStock(ctx, itemID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(70), row.Quantity)
}
