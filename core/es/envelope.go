package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata carries the envelope fields that are not part of the domain
// payload: the schema version the payload was written with, and the
// correlation/causation chain used by sagas and the buses.
type Metadata struct {
	// SchemaVersion is the dot-notation schema version of the payload
	// (e.g. "1.0"). Empty means the event predates versioning and is
	// treated as already current.
	SchemaVersion string `json:"schema_version,omitempty"`
	// CorrelationID ties the event to the workflow that caused it.
	CorrelationID string `json:"correlation_id,omitempty"`
	// CausationID is the id of the command or event that directly caused
	// this one, if known.
	CausationID string `json:"causation_id,omitempty"`
	// ContentType tags the payload serialization. Defaults to JSON.
	ContentType string `json:"content_type,omitempty"`
}

// Envelope wraps an event with metadata for persistence and routing.
// It is the unit of storage in the event store and contains all information
// needed to reconstruct and route events during replay or consumption.
type Envelope struct {
	// ID is the unique identifier of this event envelope.
	ID string `json:"id"`
	// Seq is the global sequence number assigned by the store.
	// This provides total ordering across all events in the store.
	Seq uint64 `json:"seq"`
	// Version is the per-aggregate stream version (1, 2, 3, ...).
	// Used for optimistic concurrency control. Assigned exactly once,
	// when the event is raised, as aggregate version + 1.
	Version Version `json:"version"`
	// AggregateType identifies the type of aggregate this event belongs to.
	AggregateType string `json:"aggregate"`
	// AggregateID identifies the specific aggregate instance.
	AggregateID string `json:"aggregate_id"`
	// Type is the event type name for deserialization routing.
	Type string `json:"type"`
	// Metadata carries schema version and correlation information.
	Metadata Metadata `json:"metadata"`
	// OccurredAt is when the event was created.
	OccurredAt time.Time `json:"occurred_at"`
	// Data contains the JSON-encoded event payload.
	Data json.RawMessage `json:"data"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("envelope aggregate id is empty")
	}
	if e.AggregateType == "" {
		return fmt.Errorf("envelope aggregate type is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	return nil
}

type Decoder interface{ Decode(e Envelope) (any, error) }
