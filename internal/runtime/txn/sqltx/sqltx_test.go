package sqltx

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/txn"
)

func openTestDB(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "txn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.ExecContext(ctx, `CREATE TABLE audit (id INTEGER PRIMARY KEY AUTOINCREMENT, note TEXT NOT NULL)`)
	require.NoError(t, err)
	return NewManager(db, WithDefaultTimeout(5*time.Second))
}

func countRows(t *testing.T, m *Manager) int {
	t.Helper()
	var n int
	require.NoError(t, m.DB().QueryRow(`SELECT COUNT(*) FROM audit`).Scan(&n))
	return n
}

func insertWork(state string) txn.Work {
	return func(ctx context.Context) (string, error) {
		tx, err := MustTx(ctx)
		if err != nil {
			return flow.StateFailed, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO audit(note) VALUES (?)`, state); err != nil {
			return flow.StateFailed, err
		}
		return state, nil
	}
}

func TestBoundaryCommitsSQLTransaction(t *testing.T) {
	m := openTestDB(t)
	b := txn.NewBoundary("audit", m, txn.Attributes{Propagation: txn.Required}, nil)

	require.NoError(t, b.Run(context.Background(), insertWork(flow.StateSuccess)))
	assert.Equal(t, 1, countRows(t, m))
}

func TestBoundaryRollsBackSQLTransactionOnErrorState(t *testing.T) {
	m := openTestDB(t)
	b := txn.NewBoundary("audit", m, txn.Attributes{Propagation: txn.RequiresNew}, nil)

	require.NoError(t, b.Run(context.Background(), insertWork(flow.StateFailed)))
	assert.Equal(t, 0, countRows(t, m))
}

func TestSupportsWithoutCallerHasNoTx(t *testing.T) {
	m := openTestDB(t)
	b := txn.NewBoundary("audit", m, txn.Attributes{Propagation: txn.Supports}, nil)

	err := b.Run(context.Background(), insertWork(flow.StateSuccess))
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestCommitTwiceFails(t *testing.T) {
	m := openTestDB(t)
	u, err := m.Begin(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, m.Commit(context.Background(), u))
	assert.Error(t, m.Rollback(context.Background(), u))
}

func TestForeignUnitRejected(t *testing.T) {
	m := openTestDB(t)
	assert.Error(t, m.Commit(context.Background(), txn.NewUnit(nil, 0)))
}

func TestOpenValidatesArguments(t *testing.T) {
	_, err := Open(context.Background(), "", "x")
	assert.Error(t, err)
	_, err = Open(context.Background(), DriverPostgres, "")
	assert.Error(t, err)
}
