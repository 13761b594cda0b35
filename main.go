// Command duckdb-sync-consumer ingests a JSONL stream of sync messages on
// stdin, lands records in per-stream raw DuckDB tables, forwards state
// checkpoints on stdout, and finalizes the run into typed, deduplicated
// tables.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/withobsrvr/duckdb-sync-consumer/catalog"
	"github.com/withobsrvr/duckdb-sync-consumer/config"
	"github.com/withobsrvr/duckdb-sync-consumer/consumer"
	"github.com/withobsrvr/duckdb-sync-consumer/finalize"
	"github.com/withobsrvr/duckdb-sync-consumer/logging"
	"github.com/withobsrvr/duckdb-sync-consumer/protocol"
	"github.com/withobsrvr/duckdb-sync-consumer/uploader"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewComponentLogger(cfg.Service.Name, version)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().Str("path", *configPath).Msg("loaded configuration")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("sync run failed")
	}
	logger.Info().Msg("sync run complete")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.ComponentLogger) error {
	client, err := NewDuckDBClient(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	cat, err := catalog.Load(cfg.Sync.CatalogPath, cfg.Sync.DefaultNamespace)
	if err != nil {
		return err
	}
	logger.Info().Int("streams", cat.Len()).Str("path", cfg.Sync.CatalogPath).Msg("loaded catalog")

	runID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	ledger := finalize.NewRunLedger(client.db, cfg.Database.RawSchema, logger)
	if _, err := client.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+uploader.QuoteIdent(cfg.Database.RawSchema)); err != nil {
		return fmt.Errorf("failed to create raw schema: %w", err)
	}
	if err := ledger.Init(ctx); err != nil {
		return err
	}
	if err := ledger.Begin(ctx, runID); err != nil {
		return err
	}

	targets := make(map[protocol.StreamID]consumer.Target, cat.Len())
	for _, sc := range cat.Streams() {
		targets[sc.ID] = uploader.NewRawTableUploader(client.db, sc, cfg.Database.RawSchema, cfg.Sync.BatchSize, logger)
	}

	pipeline := finalize.NewTyperDeduper(client.db, cat, cfg.Database.RawSchema, cfg.Database.FinalSchema, runID, logger)

	// Forwarded state messages go to stdout as JSONL for the orchestrator.
	stdout := bufio.NewWriter(os.Stdout)
	collect := func(msg *protocol.Message) {
		line, err := json.Marshal(msg)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode state message")
			return
		}
		stdout.Write(line)
		stdout.WriteByte('\n')
		stdout.Flush()
	}

	cons, err := consumer.New(cat, targets, pipeline, collect, cfg.Sync.DefaultNamespace, logger)
	if err != nil {
		return err
	}

	health := NewHealthServer(cons, cfg.Service.Name, cfg.Service.HealthPort, logger)
	go func() {
		if err := health.Start(); err != nil {
			logger.Error().Err(err).Msg("health server error")
		}
	}()

	if err := cons.Start(ctx); err != nil {
		// Raw storage preparation failed: the run never ingested anything,
		// but the close sequence still runs for best-effort accounting.
		closeErr := cons.Close(ctx, true)
		if closeErr != nil {
			logger.Error().Err(closeErr).Msg("close after failed start also failed")
		}
		_ = ledger.Complete(ctx, runID, finalize.RunStatusFailed, 0)
		return err
	}

	runErr := consume(ctx, cons, os.Stdin, logger)

	closeErr := cons.Close(ctx, runErr != nil)

	var total int64
	for _, n := range cons.Counts().Snapshot() {
		total += n
	}
	status := finalize.RunStatusSucceeded
	if runErr != nil || closeErr != nil {
		status = finalize.RunStatusFailed
	}
	if err := ledger.Complete(ctx, runID, status, total); err != nil {
		logger.Error().Err(err).Msg("failed to record run completion")
	}

	if runErr != nil {
		return runErr
	}
	return closeErr
}

// consume feeds stdin JSONL into the consumer until EOF or the first fatal
// error.
func consume(ctx context.Context, cons *consumer.Consumer, in io.Reader, logger *logging.ComponentLogger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var accepted int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.ParseMessage(line)
		if err != nil {
			return fmt.Errorf("invalid message on input: %w", err)
		}
		if err := cons.Accept(ctx, msg); err != nil {
			return err
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	logger.Info().Int64("messages", accepted).Msg("input stream ended")
	return nil
}
