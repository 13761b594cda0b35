// Package catalog loads the parsed sync catalog: the exhaustive set of streams
// a run may receive, each with its sync mode, declared columns and primary
// key. The catalog is immutable once loaded and is the registry every
// identity lookup is keyed against.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/withobsrvr/duckdb-sync-consumer/protocol"
)

// ColumnType is the logical type a stream declares for one column. The
// finalize package maps these onto DuckDB types.
type ColumnType string

const (
	ColumnTypeString    ColumnType = "string"
	ColumnTypeInteger   ColumnType = "integer"
	ColumnTypeNumber    ColumnType = "number"
	ColumnTypeBoolean   ColumnType = "boolean"
	ColumnTypeTimestamp ColumnType = "timestamp"
	ColumnTypeJSON      ColumnType = "json"
)

// Column is one declared column of a stream.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// StreamConfig is the full configuration for one stream.
type StreamConfig struct {
	ID          protocol.StreamID
	Mode        protocol.SyncMode
	PrimaryKey  []string
	CursorField string
	Columns     []Column
}

// Catalog is the immutable stream registry for one sync run.
type Catalog struct {
	streams []StreamConfig
	byID    map[protocol.StreamID]StreamConfig
}

// Streams returns every configured stream, in catalog order.
func (c *Catalog) Streams() []StreamConfig {
	return c.streams
}

// Stream looks up one stream's configuration.
func (c *Catalog) Stream(id protocol.StreamID) (StreamConfig, bool) {
	sc, ok := c.byID[id]
	return sc, ok
}

// Len returns the number of configured streams.
func (c *Catalog) Len() int {
	return len(c.streams)
}

type rawStream struct {
	Namespace   string   `json:"namespace"`
	Name        string   `json:"name"`
	SyncMode    string   `json:"sync_mode"`
	PrimaryKey  []string `json:"primary_key,omitempty"`
	CursorField string   `json:"cursor_field,omitempty"`
	Columns     []Column `json:"columns"`
}

type rawCatalog struct {
	Streams []rawStream `json:"streams"`
}

// Parse decodes a JSON catalog document. Namespaces may be empty here; the
// consumer applies the run default namespace to records, and the caller is
// expected to pass the same default when building identities for empty
// catalog namespaces.
func Parse(data []byte, defaultNamespace string) (*Catalog, error) {
	var raw rawCatalog
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(raw.Streams) == 0 {
		return nil, fmt.Errorf("catalog declares no streams")
	}

	cat := &Catalog{
		streams: make([]StreamConfig, 0, len(raw.Streams)),
		byID:    make(map[protocol.StreamID]StreamConfig, len(raw.Streams)),
	}
	for _, rs := range raw.Streams {
		if rs.Name == "" {
			return nil, fmt.Errorf("catalog stream missing name")
		}
		mode, err := protocol.ParseSyncMode(rs.SyncMode)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", rs.Name, err)
		}
		if mode == protocol.SyncModeAppendDedup && len(rs.PrimaryKey) == 0 {
			return nil, fmt.Errorf("stream %s: append_dedup requires a primary key", rs.Name)
		}
		ns := rs.Namespace
		if ns == "" {
			ns = defaultNamespace
		}
		sc := StreamConfig{
			ID:          protocol.StreamID{Namespace: ns, Name: rs.Name},
			Mode:        mode,
			PrimaryKey:  rs.PrimaryKey,
			CursorField: rs.CursorField,
			Columns:     rs.Columns,
		}
		if _, dup := cat.byID[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate stream %s in catalog", sc.ID)
		}
		cat.streams = append(cat.streams, sc)
		cat.byID[sc.ID] = sc
	}
	return cat, nil
}

// Load reads and parses a catalog file.
func Load(path, defaultNamespace string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data, defaultNamespace)
}
