package main

import (
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/withobsrvr/duckdb-sync-consumer/logging"
)

// DuckDBClient wraps the destination database connection.
type DuckDBClient struct {
	db *sql.DB
}

// NewDuckDBClient opens the DuckDB database file and verifies the
// connection.
func NewDuckDBClient(path string, logger *logging.ComponentLogger) (*DuckDBClient, error) {
	logger.Info().Str("path", path).Msg("opening DuckDB database")

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}

	// DuckDB doesn't handle concurrent writes well - use single connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB: %w", err)
	}

	return &DuckDBClient{db: db}, nil
}

// Close closes the database connection.
func (c *DuckDBClient) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close DuckDB: %w", err)
	}
	return nil
}
