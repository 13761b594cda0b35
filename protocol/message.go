// Package protocol defines the decoded message model a sync run consumes:
// tagged record/state messages, stream identities and sync modes. It owns no
// wire format beyond the JSONL envelope used between the extractor and this
// sink.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags a Message.
type MessageType string

const (
	MessageTypeRecord MessageType = "RECORD"
	MessageTypeState  MessageType = "STATE"
	MessageTypeTrace  MessageType = "TRACE"
	MessageTypeLog    MessageType = "LOG"
)

// StreamID identifies one stream within a sync run. Comparable by value and
// used as the sole key for counters and upload-target lookup.
type StreamID struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (s StreamID) String() string {
	return s.Namespace + "." + s.Name
}

// RecordMessage is one extracted row bound for a stream's raw table. Namespace
// may be empty on the wire; the consumer fills in the run default before any
// identity lookup.
type RecordMessage struct {
	Namespace string          `json:"namespace,omitempty"`
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// StreamID resolves the record's stream identity. Call only after namespace
// normalization.
func (r *RecordMessage) StreamID() StreamID {
	return StreamID{Namespace: r.Namespace, Name: r.Stream}
}

// StateMessage is a checkpoint emitted by the upstream extractor. The payload
// is opaque to the sink; it is stored last-writer-wins and forwarded verbatim.
type StateMessage struct {
	Data json.RawMessage `json:"data"`
}

// Message is the tagged union handed to the consumer. Exactly one of Record
// and State is set for the corresponding type; other types carry neither.
type Message struct {
	Type   MessageType    `json:"type"`
	Record *RecordMessage `json:"record,omitempty"`
	State  *StateMessage  `json:"state,omitempty"`
}

// Collector receives state messages forwarded by the consumer so the
// orchestrating caller can persist checkpoints.
type Collector func(*Message)

// ParseMessage decodes one JSONL line into a Message.
func ParseMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type tag")
	}
	switch msg.Type {
	case MessageTypeRecord:
		if msg.Record == nil {
			return nil, fmt.Errorf("record message missing record body")
		}
		if msg.Record.Stream == "" {
			return nil, fmt.Errorf("record message missing stream name")
		}
	case MessageTypeState:
		if msg.State == nil {
			return nil, fmt.Errorf("state message missing state body")
		}
	}
	return &msg, nil
}

// SyncMode governs how a stream's raw table is prepared at run start and how
// its final table is committed.
type SyncMode string

const (
	// SyncModeOverwrite truncates and recreates the raw table at run start
	// and replaces the final table at commit.
	SyncModeOverwrite SyncMode = "overwrite"
	// SyncModeAppend preserves prior raw contents and appends to the final
	// table.
	SyncModeAppend SyncMode = "append"
	// SyncModeAppendDedup appends raw contents and deduplicates by primary
	// key when building the final table.
	SyncModeAppendDedup SyncMode = "append_dedup"
)

// ParseSyncMode maps a catalog string onto a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(s) {
	case SyncModeOverwrite, SyncModeAppend, SyncModeAppendDedup:
		return SyncMode(s), nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}
