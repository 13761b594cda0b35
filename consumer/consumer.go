// Package consumer implements the message-consumption core of a sync run: it
// routes decoded messages to per-stream upload targets, tracks accepted
// record counts, propagates state checkpoints, and drives the ordered
// finalization sequence once ingestion ends.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withobsrvr/duckdb-sync-consumer/catalog"
	"github.com/withobsrvr/duckdb-sync-consumer/logging"
	"github.com/withobsrvr/duckdb-sync-consumer/metrics"
	"github.com/withobsrvr/duckdb-sync-consumer/protocol"
)

// Target is one stream's upload destination. Implementations batch records
// into the stream's raw table and flush on Close. PrepareRawStorage is used
// for overwrite streams (destroy and recreate), EnsureRawStorage for the
// append modes (create only if absent).
type Target interface {
	Upload(ctx context.Context, rec *protocol.RecordMessage) error
	Close(ctx context.Context, hasFailed bool, out protocol.Collector, lastState *protocol.Message) error
	PrepareRawStorage(ctx context.Context) error
	EnsureRawStorage(ctx context.Context) error
}

// Pipeline is the post-ingestion finalization chain: convert raw rows into
// typed, deduplicated tables, commit them, then clean up transient resources.
type Pipeline interface {
	TypeAndDedupe(ctx context.Context, summaries []StreamSummary) error
	CommitFinalTables(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// StreamSummary reports how many records one stream accepted over the run.
// Built once, at close, for every registered stream including zero-record
// ones.
type StreamSummary struct {
	ID             protocol.StreamID
	RecordsWritten int64
}

// Lifecycle states. Accept is rejected before Start and after Close; Close
// runs its sequence exactly once.
const (
	stateCreated int32 = iota
	stateStarted
	stateRunning
	stateClosed
)

// Consumer owns all per-run mutable state: the record counters and the
// last-observed state checkpoint. The registry and targets are owned by the
// caller and only referenced here.
type Consumer struct {
	registry         *catalog.Catalog
	targets          map[protocol.StreamID]Target
	pipeline         Pipeline
	collect          protocol.Collector
	defaultNamespace string

	counts    *RecordCounts
	lastState atomic.Pointer[protocol.Message]
	state     atomic.Int32

	// Serializes state-message forwarding so checkpoints reach the collector
	// in acceptance order.
	forwardMu sync.Mutex

	logger *logging.ComponentLogger
}

// New builds a consumer for one sync run. Every stream in the registry must
// have an upload target: the registry is exhaustively pre-populated from the
// catalog, so a missing target is a wiring bug, not a runtime condition.
func New(
	registry *catalog.Catalog,
	targets map[protocol.StreamID]Target,
	pipeline Pipeline,
	collect protocol.Collector,
	defaultNamespace string,
	logger *logging.ComponentLogger,
) (*Consumer, error) {
	if defaultNamespace == "" {
		return nil, fmt.Errorf("default namespace must not be empty")
	}
	ids := make([]protocol.StreamID, 0, registry.Len())
	for _, sc := range registry.Streams() {
		if _, ok := targets[sc.ID]; !ok {
			return nil, fmt.Errorf("no upload target for catalog stream %s", sc.ID)
		}
		ids = append(ids, sc.ID)
	}

	logger.Info().
		Int("streams", registry.Len()).
		Str("default_namespace", defaultNamespace).
		Msg("Consumer ready")

	return &Consumer{
		registry:         registry,
		targets:          targets,
		pipeline:         pipeline,
		collect:          collect,
		defaultNamespace: defaultNamespace,
		counts:           NewRecordCounts(ids),
		logger:           logger,
	}, nil
}

// Start prepares raw storage for every stream and must complete before any
// message is accepted. Overwrite streams have their raw table destroyed and
// recreated; other modes only ensure the table exists. Any failure here is
// fatal and aborts the run before ingestion.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateCreated, stateStarted) {
		return fmt.Errorf("consumer already started")
	}

	for _, sc := range c.registry.Streams() {
		target := c.targets[sc.ID]
		var err error
		if sc.Mode == protocol.SyncModeOverwrite {
			err = target.PrepareRawStorage(ctx)
		} else {
			err = target.EnsureRawStorage(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to prepare raw storage for stream %s: %w", sc.ID, err)
		}
		c.logger.Debug().
			Str("stream", sc.ID.String()).
			Str("sync_mode", string(sc.Mode)).
			Msg("raw storage ready")
	}
	return nil
}

// Accept routes one message. State messages are stored last-writer-wins and
// forwarded synchronously in acceptance order; records are normalized,
// uploaded, then counted; anything else is logged and discarded. An upload
// failure propagates without incrementing the stream's counter.
func (c *Consumer) Accept(ctx context.Context, msg *protocol.Message) error {
	switch s := c.state.Load(); s {
	case stateStarted:
		c.state.CompareAndSwap(stateStarted, stateRunning)
	case stateRunning:
	case stateCreated:
		return fmt.Errorf("accept called before start")
	default:
		return fmt.Errorf("accept called after close")
	}

	switch msg.Type {
	case protocol.MessageTypeState:
		c.forwardMu.Lock()
		c.lastState.Store(msg)
		c.collect(msg)
		c.forwardMu.Unlock()
		metrics.StateForwarded.Inc()
		return nil

	case protocol.MessageTypeRecord:
		return c.processRecord(ctx, msg.Record)

	default:
		c.logger.Warn().Str("type", string(msg.Type)).Msg("unexpected message, discarding")
		metrics.UnexpectedMessages.Inc()
		return nil
	}
}

func (c *Consumer) processRecord(ctx context.Context, rec *protocol.RecordMessage) error {
	if rec.Namespace == "" {
		rec.Namespace = c.defaultNamespace
	}
	id := rec.StreamID()

	target, ok := c.targets[id]
	if !ok {
		return fmt.Errorf("record for stream %s which is not in the catalog", id)
	}

	if err := target.Upload(ctx, rec); err != nil {
		return fmt.Errorf("failed to upload record for stream %s: %w", id, err)
	}

	if err := c.counts.Increment(id); err != nil {
		return err
	}
	metrics.RecordsConsumed.WithLabelValues(id.Namespace, id.Name).Inc()
	return nil
}

// Close runs the finalization sequence exactly once: close every upload
// target best-effort, build summaries from the counter snapshot, then
// type-and-dedupe, commit and cleanup. Target close failures are collected
// and logged but do not stop finalization; the first is returned after the
// pipeline finishes. A pipeline failure propagates immediately and aborts the
// remaining steps. A second call warns and returns nil.
func (c *Consumer) Close(ctx context.Context, hasFailed bool) error {
	prev := c.state.Swap(stateClosed)
	if prev == stateClosed {
		c.logger.Warn().Msg("close called more than once, ignoring")
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.FinalizationDuration.Observe(time.Since(start).Seconds())
	}()

	c.logger.Info().Bool("has_failed", hasFailed).Msg("closing upload targets")
	lastState := c.lastState.Load()

	var closeErrs []error
	for _, sc := range c.registry.Streams() {
		if err := c.targets[sc.ID].Close(ctx, hasFailed, c.collect, lastState); err != nil {
			c.logger.Error().Err(err).Str("stream", sc.ID.String()).Msg("failed to close upload target")
			metrics.TargetCloseErrors.Inc()
			closeErrs = append(closeErrs, fmt.Errorf("stream %s: %w", sc.ID, err))
		}
	}

	snapshot := c.counts.Snapshot()
	summaries := make([]StreamSummary, 0, c.registry.Len())
	var total int64
	for _, sc := range c.registry.Streams() {
		n := snapshot[sc.ID]
		summaries = append(summaries, StreamSummary{ID: sc.ID, RecordsWritten: n})
		total += n
	}
	metrics.RecordsFinalized.Set(float64(total))
	c.logger.Info().Int64("records", total).Int("streams", len(summaries)).Msg("built sync summaries")

	if err := c.pipeline.TypeAndDedupe(ctx, summaries); err != nil {
		return fmt.Errorf("type and dedupe failed: %w", err)
	}
	if err := c.pipeline.CommitFinalTables(ctx); err != nil {
		return fmt.Errorf("failed to commit final tables: %w", err)
	}
	if err := c.pipeline.Cleanup(ctx); err != nil {
		return fmt.Errorf("finalization cleanup failed: %w", err)
	}

	if len(closeErrs) > 0 {
		c.logger.Error().Int("errors", len(closeErrs)).Msg("upload targets failed to close")
		return fmt.Errorf("errors while closing upload targets: %w", closeErrs[0])
	}

	c.logger.Info().Dur("duration", time.Since(start)).Msg("finalization complete")
	return nil
}

// Counts exposes the record tracker, read-mostly, for health reporting and
// tests.
func (c *Consumer) Counts() *RecordCounts {
	return c.counts
}

// LastState returns the most recently accepted state message, if any.
func (c *Consumer) LastState() *protocol.Message {
	return c.lastState.Load()
}
