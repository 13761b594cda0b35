// Package uploader implements the per-stream upload target: a buffered
// writer that lands records in the stream's raw DuckDB table.
package uploader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withobsrvr/duckdb-sync-consumer/catalog"
	"github.com/withobsrvr/duckdb-sync-consumer/logging"
	"github.com/withobsrvr/duckdb-sync-consumer/protocol"
)

const defaultBatchSize = 1000

// DB is the slice of database/sql used by uploaders. *sql.DB satisfies it.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// QuoteIdent quotes a SQL identifier for DuckDB.
func QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// RawTableName returns the qualified raw table for a stream:
// <schema>."<namespace>__<name>".
func RawTableName(rawSchema string, id protocol.StreamID) string {
	return QuoteIdent(rawSchema) + "." + QuoteIdent(id.Namespace+"__"+id.Name)
}

// RawTableUploader buffers records for one stream and flushes them into the
// stream's raw table in multi-row inserts. All methods are safe for
// concurrent use; a background flusher and the router may touch the same
// uploader.
type RawTableUploader struct {
	db        DB
	stream    catalog.StreamConfig
	rawSchema string
	batchSize int
	logger    *logging.ComponentLogger

	mu     sync.Mutex
	buffer []*protocol.RecordMessage
	closed bool
}

// NewRawTableUploader creates an uploader for one stream. batchSize <= 0
// falls back to the default.
func NewRawTableUploader(db DB, stream catalog.StreamConfig, rawSchema string, batchSize int, logger *logging.ComponentLogger) *RawTableUploader {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &RawTableUploader{
		db:        db,
		stream:    stream,
		rawSchema: rawSchema,
		batchSize: batchSize,
		logger:    logger,
		buffer:    make([]*protocol.RecordMessage, 0, batchSize),
	}
}

func (u *RawTableUploader) createTableSQL() string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			_raw_id VARCHAR NOT NULL,
			_extracted_at TIMESTAMP NOT NULL,
			_loaded_at TIMESTAMP NOT NULL,
			_data JSON NOT NULL
		)`, RawTableName(u.rawSchema, u.stream.ID))
}

// PrepareRawStorage destroys and recreates the stream's raw table. Used for
// overwrite streams at run start; safe to run repeatedly.
func (u *RawTableUploader) PrepareRawStorage(ctx context.Context) error {
	if err := u.ensureSchema(ctx); err != nil {
		return err
	}
	drop := fmt.Sprintf("DROP TABLE IF EXISTS %s", RawTableName(u.rawSchema, u.stream.ID))
	if _, err := u.db.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("failed to drop raw table for %s: %w", u.stream.ID, err)
	}
	if _, err := u.db.ExecContext(ctx, u.createTableSQL()); err != nil {
		return fmt.Errorf("failed to create raw table for %s: %w", u.stream.ID, err)
	}
	u.logger.Info().Str("stream", u.stream.ID.String()).Msg("raw table truncated and recreated")
	return nil
}

// EnsureRawStorage creates the stream's raw table only if it does not exist,
// preserving prior contents. Used for the append modes.
func (u *RawTableUploader) EnsureRawStorage(ctx context.Context) error {
	if err := u.ensureSchema(ctx); err != nil {
		return err
	}
	if _, err := u.db.ExecContext(ctx, u.createTableSQL()); err != nil {
		return fmt.Errorf("failed to create raw table for %s: %w", u.stream.ID, err)
	}
	return nil
}

func (u *RawTableUploader) ensureSchema(ctx context.Context) error {
	q := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", QuoteIdent(u.rawSchema))
	if _, err := u.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to create raw schema %s: %w", u.rawSchema, err)
	}
	return nil
}

// Upload buffers one record, flushing when the buffer is full. The record is
// only considered accepted once a full-buffer flush succeeds or is still
// buffered for the close-time flush.
func (u *RawTableUploader) Upload(ctx context.Context, rec *protocol.RecordMessage) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return fmt.Errorf("upload to closed target for stream %s", u.stream.ID)
	}
	u.buffer = append(u.buffer, rec)
	if len(u.buffer) >= u.batchSize {
		return u.flushLocked(ctx)
	}
	return nil
}

// flushLocked writes the buffered records in one multi-row insert. Caller
// holds u.mu.
func (u *RawTableUploader) flushLocked(ctx context.Context) error {
	if len(u.buffer) == 0 {
		return nil
	}
	start := time.Now()
	query, args := buildInsert(RawTableName(u.rawSchema, u.stream.ID), u.buffer)
	if _, err := u.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to flush %d records for %s: %w", len(u.buffer), u.stream.ID, err)
	}
	u.logger.Debug().
		Str("stream", u.stream.ID.String()).
		Int("records", len(u.buffer)).
		Dur("latency", time.Since(start)).
		Msg("flushed raw batch")
	u.buffer = u.buffer[:0]
	return nil
}

// buildInsert renders a multi-row insert for the raw table.
func buildInsert(table string, recs []*protocol.RecordMessage) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (_raw_id, _extracted_at, _loaded_at, _data) VALUES ")

	loadedAt := time.Now().UTC()
	args := make([]any, 0, len(recs)*4)
	for i, rec := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?)")
		extractedAt := rec.EmittedAt
		if extractedAt.IsZero() {
			extractedAt = loadedAt
		}
		args = append(args, uuid.NewString(), extractedAt, loadedAt, string(rec.Data))
	}
	return sb.String(), args
}

// Close flushes any buffered records. If the run did not fail and a state
// checkpoint was observed, it is emitted to the collector as the stream's
// trailing checkpoint. Closing twice is a no-op.
func (u *RawTableUploader) Close(ctx context.Context, hasFailed bool, out protocol.Collector, lastState *protocol.Message) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true

	if err := u.flushLocked(ctx); err != nil {
		return err
	}
	if !hasFailed && lastState != nil && out != nil {
		out(lastState)
	}
	return nil
}

// BufferedCount reports how many records are waiting for the next flush.
func (u *RawTableUploader) BufferedCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.buffer)
}
