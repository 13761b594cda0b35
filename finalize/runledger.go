package finalize

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/withobsrvr/duckdb-sync-consumer/logging"
	"github.com/withobsrvr/duckdb-sync-consumer/uploader"
)

// RunStatus is the terminal status recorded for a sync run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// LedgerDB adds row reads on top of DB for ledger lookups.
type LedgerDB interface {
	DB
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RunLedger records sync-run bookkeeping in a small table next to the raw
// data: one row per run with its status and record total. It is advisory
// only; the run's correctness never depends on it.
type RunLedger struct {
	db     LedgerDB
	schema string
	logger *logging.ComponentLogger
}

// NewRunLedger creates a ledger writing into the given schema.
func NewRunLedger(db LedgerDB, schema string, logger *logging.ComponentLogger) *RunLedger {
	return &RunLedger{db: db, schema: schema, logger: logger}
}

func (rl *RunLedger) tableName() string {
	return uploader.QuoteIdent(rl.schema) + "._sync_runs"
}

// Init creates the ledger table if it does not exist.
func (rl *RunLedger) Init(ctx context.Context) error {
	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id VARCHAR NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			status VARCHAR NOT NULL,
			records_synced BIGINT NOT NULL
		)`, rl.tableName())
	if _, err := rl.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create run ledger table: %w", err)
	}
	return nil
}

// Begin records the start of a run.
func (rl *RunLedger) Begin(ctx context.Context, runID string) error {
	insert := fmt.Sprintf(
		"INSERT INTO %s (run_id, started_at, status, records_synced) VALUES (?, ?, ?, 0)",
		rl.tableName())
	if _, err := rl.db.ExecContext(ctx, insert, runID, time.Now().UTC(), string(RunStatusRunning)); err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// Complete records the run's terminal status and record total.
func (rl *RunLedger) Complete(ctx context.Context, runID string, status RunStatus, records int64) error {
	update := fmt.Sprintf(
		"UPDATE %s SET completed_at = ?, status = ?, records_synced = ? WHERE run_id = ?",
		rl.tableName())
	if _, err := rl.db.ExecContext(ctx, update, time.Now().UTC(), string(status), records, runID); err != nil {
		return fmt.Errorf("failed to record run completion: %w", err)
	}
	return nil
}

// LastSucceeded returns the id and record total of the most recent succeeded
// run, or ("", 0, nil) when there is none.
func (rl *RunLedger) LastSucceeded(ctx context.Context) (string, int64, error) {
	query := fmt.Sprintf(
		"SELECT run_id, records_synced FROM %s WHERE status = ? ORDER BY completed_at DESC LIMIT 1",
		rl.tableName())
	var runID string
	var records int64
	err := rl.db.QueryRowContext(ctx, query, string(RunStatusSucceeded)).Scan(&runID, &records)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to load last run: %w", err)
	}
	return runID, records, nil
}
