package finalize

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/duckdb-sync-consumer/catalog"
	"github.com/withobsrvr/duckdb-sync-consumer/consumer"
	"github.com/withobsrvr/duckdb-sync-consumer/logging"
	"github.com/withobsrvr/duckdb-sync-consumer/protocol"
)

type fakeDB struct {
	queries []string
	failOn  string
	failErr error
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if f.failOn != "" && strings.Contains(query, f.failOn) {
		return nil, f.failErr
	}
	f.queries = append(f.queries, query)
	return nil, nil
}

func (f *fakeDB) matching(substr string) []string {
	var out []string
	for _, q := range f.queries {
		if strings.Contains(q, substr) {
			out = append(out, q)
		}
	}
	return out
}

var (
	overwriteID = protocol.StreamID{Namespace: "ns1", Name: "orders"}
	appendID    = protocol.StreamID{Namespace: "ns1", Name: "logs"}
	dedupID     = protocol.StreamID{Namespace: "ns1", Name: "users"}
)

func testRegistry(t *testing.T) *catalog.Catalog {
	t.Helper()
	doc := `{"streams": [
		{"namespace": "ns1", "name": "orders", "sync_mode": "overwrite",
		 "columns": [{"name": "order_id", "type": "string"}]},
		{"namespace": "ns1", "name": "logs", "sync_mode": "append",
		 "columns": [{"name": "line", "type": "string"}]},
		{"namespace": "ns1", "name": "users", "sync_mode": "append_dedup",
		 "primary_key": ["id"],
		 "columns": [{"name": "id", "type": "integer"}, {"name": "email", "type": "string"}]}
	]}`
	cat, err := catalog.Parse([]byte(doc), "ns1")
	require.NoError(t, err)
	return cat
}

func allSummaries() []consumer.StreamSummary {
	return []consumer.StreamSummary{
		{ID: overwriteID, RecordsWritten: 2},
		{ID: appendID, RecordsWritten: 0},
		{ID: dedupID, RecordsWritten: 5},
	}
}

func newTyper(t *testing.T, db *fakeDB) *TyperDeduper {
	t.Helper()
	return NewTyperDeduper(db, testRegistry(t), "raw", "main", "run1", logging.NewTestLogger())
}

func TestTypeAndDedupeStagesEveryStream(t *testing.T) {
	db := &fakeDB{}
	td := newTyper(t, db)

	require.NoError(t, td.TypeAndDedupe(context.Background(), allSummaries()))

	stages := db.matching("CREATE OR REPLACE TABLE")
	require.Len(t, stages, 3, "every summarized stream staged, zero-count ones included")
	require.Contains(t, stages[0], `"main"."ns1__orders__tmp_run1"`)
	require.Contains(t, stages[1], `"main"."ns1__logs__tmp_run1"`)
	require.Contains(t, stages[2], `"main"."ns1__users__tmp_run1"`)

	// Only the dedup stream gets the window dedupe.
	require.NotContains(t, stages[0], "QUALIFY")
	require.Contains(t, stages[2], "QUALIFY ROW_NUMBER()")
}

func TestTypeAndDedupeUnknownStream(t *testing.T) {
	td := newTyper(t, &fakeDB{})
	err := td.TypeAndDedupe(context.Background(), []consumer.StreamSummary{
		{ID: protocol.StreamID{Namespace: "ns9", Name: "ghost"}},
	})
	require.Error(t, err)
}

func TestCommitFinalTablesPerSyncMode(t *testing.T) {
	db := &fakeDB{}
	td := newTyper(t, db)
	ctx := context.Background()

	require.NoError(t, td.TypeAndDedupe(ctx, allSummaries()))
	db.queries = nil
	require.NoError(t, td.CommitFinalTables(ctx))

	// Overwrite: final table replaced wholesale.
	replaced := db.matching(`CREATE OR REPLACE TABLE "main"."ns1__orders"`)
	require.Len(t, replaced, 1)

	// Append: delta inserted, nothing deleted.
	require.Len(t, db.matching(`INSERT INTO "main"."ns1__logs"`), 1)
	require.Empty(t, db.matching(`DELETE FROM "main"."ns1__logs"`))

	// Append-dedup: superseded rows deleted before the insert.
	require.Len(t, db.matching(`DELETE FROM "main"."ns1__users"`), 1)
	require.Len(t, db.matching(`INSERT INTO "main"."ns1__users"`), 1)
}

func TestCommitFailureAborts(t *testing.T) {
	db := &fakeDB{}
	td := newTyper(t, db)
	ctx := context.Background()

	require.NoError(t, td.TypeAndDedupe(ctx, allSummaries()))
	db.failOn = `CREATE TABLE IF NOT EXISTS "main"."ns1__logs"`
	db.failErr = errors.New("lock timeout")
	err := td.CommitFinalTables(ctx)
	require.ErrorContains(t, err, "lock timeout")

	// The dedup stream, after the failing one, was never committed.
	require.Empty(t, db.matching(`INSERT INTO "main"."ns1__users"`))
}

func TestCleanupDropsAllStagingTables(t *testing.T) {
	db := &fakeDB{}
	td := newTyper(t, db)
	ctx := context.Background()

	require.NoError(t, td.TypeAndDedupe(ctx, allSummaries()))
	db.queries = nil
	require.NoError(t, td.Cleanup(ctx))

	drops := db.matching("DROP TABLE IF EXISTS")
	require.Len(t, drops, 3)
	for _, q := range drops {
		require.Contains(t, q, "__tmp_run1")
	}
}

func TestCleanupAttemptsAllDespiteFailure(t *testing.T) {
	db := &fakeDB{}
	td := newTyper(t, db)
	ctx := context.Background()

	require.NoError(t, td.TypeAndDedupe(ctx, allSummaries()))
	db.queries = nil
	db.failOn = `"ns1__orders__tmp_run1"`
	db.failErr = errors.New("in use")
	err := td.Cleanup(ctx)
	require.ErrorContains(t, err, "in use")

	// The other staging tables were still dropped.
	require.Len(t, db.matching("DROP TABLE IF EXISTS"), 2)
}
