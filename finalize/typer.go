// Package finalize converts raw ingested rows into typed, deduplicated final
// tables once ingestion ends: type-and-dedupe into per-run staging tables,
// commit them into the final tables, then drop the staging tables.
package finalize

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/withobsrvr/duckdb-sync-consumer/catalog"
	"github.com/withobsrvr/duckdb-sync-consumer/consumer"
	"github.com/withobsrvr/duckdb-sync-consumer/logging"
	"github.com/withobsrvr/duckdb-sync-consumer/protocol"
	"github.com/withobsrvr/duckdb-sync-consumer/uploader"
)

// DB is the slice of database/sql the typer-deduper needs. *sql.DB satisfies
// it.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TyperDeduper implements consumer.Pipeline on DuckDB. One instance serves
// one run; the staging tables it creates carry the run id so concurrent runs
// against the same database never collide.
type TyperDeduper struct {
	db          DB
	registry    *catalog.Catalog
	rawSchema   string
	finalSchema string
	runID       string
	logger      *logging.ComponentLogger

	// Staging tables created by TypeAndDedupe, consumed by commit and
	// dropped by Cleanup. Keyed insertion-ordered via stagedIDs.
	staged    map[protocol.StreamID]string
	stagedIDs []protocol.StreamID
}

// NewTyperDeduper builds the finalization pipeline for one run.
func NewTyperDeduper(db DB, registry *catalog.Catalog, rawSchema, finalSchema, runID string, logger *logging.ComponentLogger) *TyperDeduper {
	return &TyperDeduper{
		db:          db,
		registry:    registry,
		rawSchema:   rawSchema,
		finalSchema: finalSchema,
		runID:       runID,
		logger:      logger,
		staged:      make(map[protocol.StreamID]string),
	}
}

// TypeAndDedupe stages the typed form of every summarized stream. Streams
// with zero accepted records are still staged so an overwrite commit can
// produce their (empty) final table.
func (t *TyperDeduper) TypeAndDedupe(ctx context.Context, summaries []consumer.StreamSummary) error {
	q := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", uploader.QuoteIdent(t.finalSchema))
	if _, err := t.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to create final schema %s: %w", t.finalSchema, err)
	}

	for _, summary := range summaries {
		stream, ok := t.registry.Stream(summary.ID)
		if !ok {
			return fmt.Errorf("summary for stream %s which is not in the catalog", summary.ID)
		}

		rawTable := uploader.RawTableName(t.rawSchema, stream.ID)
		tmpTable := tmpTableName(t.finalSchema, stream.ID, t.runID)
		stage := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS %s", tmpTable, typedSelectSQL(stream, rawTable))
		if _, err := t.db.ExecContext(ctx, stage); err != nil {
			return fmt.Errorf("failed to type and dedupe stream %s: %w", stream.ID, err)
		}
		t.staged[stream.ID] = tmpTable
		t.stagedIDs = append(t.stagedIDs, stream.ID)

		t.logger.Info().
			Str("stream", stream.ID.String()).
			Int64("records", summary.RecordsWritten).
			Str("sync_mode", string(stream.Mode)).
			Msg("typed and deduplicated stream")
	}
	return nil
}

// CommitFinalTables publishes every staged table into its final table:
// overwrite streams replace the final table wholesale, append streams insert
// the delta, append_dedup streams upsert it by primary key. The first failure
// aborts the commit.
func (t *TyperDeduper) CommitFinalTables(ctx context.Context) error {
	for _, id := range t.stagedIDs {
		stream, _ := t.registry.Stream(id)
		tmpTable := t.staged[id]
		finalTable := finalTableName(t.finalSchema, id)

		var stmts []string
		switch stream.Mode {
		case protocol.SyncModeOverwrite:
			stmts = []string{
				fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s", finalTable, tmpTable),
			}
		case protocol.SyncModeAppendDedup:
			stmts = []string{
				fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM %s LIMIT 0", finalTable, tmpTable),
				deleteMatchingSQL(finalTable, tmpTable, stream.PrimaryKey),
				fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", finalTable, tmpTable),
			}
		default:
			stmts = []string{
				fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM %s LIMIT 0", finalTable, tmpTable),
				fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", finalTable, tmpTable),
			}
		}
		for _, stmt := range stmts {
			if _, err := t.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to commit final table for stream %s: %w", id, err)
			}
		}
		t.logger.Info().Str("stream", id.String()).Msg("committed final table")
	}
	return nil
}

// Cleanup drops every staging table. All drops are attempted; the first
// error is returned.
func (t *TyperDeduper) Cleanup(ctx context.Context) error {
	var firstErr error
	for _, id := range t.stagedIDs {
		drop := fmt.Sprintf("DROP TABLE IF EXISTS %s", t.staged[id])
		if _, err := t.db.ExecContext(ctx, drop); err != nil {
			t.logger.Error().Err(err).Str("stream", id.String()).Msg("failed to drop staging table")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to drop staging table for stream %s: %w", id, err)
			}
		}
	}
	t.staged = make(map[protocol.StreamID]string)
	t.stagedIDs = nil
	return firstErr
}
