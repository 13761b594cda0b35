package finalize

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/duckdb-sync-consumer/logging"
)

type fakeLedgerDB struct {
	fakeDB
}

func (f *fakeLedgerDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

func TestRunLedgerLifecycle(t *testing.T) {
	db := &fakeLedgerDB{}
	rl := NewRunLedger(db, "raw", logging.NewTestLogger())
	ctx := context.Background()

	require.NoError(t, rl.Init(ctx))
	require.NoError(t, rl.Begin(ctx, "run1"))
	require.NoError(t, rl.Complete(ctx, "run1", RunStatusSucceeded, 42))

	require.Len(t, db.queries, 3)
	require.Contains(t, db.queries[0], `CREATE TABLE IF NOT EXISTS "raw"._sync_runs`)
	require.Contains(t, db.queries[1], `INSERT INTO "raw"._sync_runs`)
	require.Contains(t, db.queries[2], `UPDATE "raw"._sync_runs`)
}

func TestRunLedgerStatusValues(t *testing.T) {
	require.Equal(t, RunStatus("succeeded"), RunStatusSucceeded)
	require.Equal(t, RunStatus("failed"), RunStatusFailed)
	require.Equal(t, RunStatus("running"), RunStatusRunning)
}
