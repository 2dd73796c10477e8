package domain

import (
	"encoding/json"
	"time"
)

// EntityKind tells mints and transfers apart.
type EntityKind string

const (
	EntityMint     EntityKind = "mint"
	EntityTransfer EntityKind = "transfer"
)

// Entity is one item returned by the source for a slice.
type Entity struct {
	// ID is the source's stable identifier; it is the upsert key.
	ID        string
	Kind      EntityKind
	Timestamp time.Time
	Payload   json.RawMessage
}

// IngestRecord is an entity as persisted by the store.
// Writes are idempotent: a record with the same ID replaces the previous one.
type IngestRecord struct {
	ID         string          `json:"id"`
	Kind       EntityKind      `json:"kind"`
	Slice      TimeSlice       `json:"slice"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	IngestedAt time.Time       `json:"ingested_at"`
}

// NewIngestRecord builds the record for an entity fetched within slice.
func NewIngestRecord(e Entity, slice TimeSlice, now time.Time) IngestRecord {
	return IngestRecord{
		ID:         e.ID,
		Kind:       e.Kind,
		Slice:      slice,
		Timestamp:  e.Timestamp,
		Payload:    e.Payload,
		IngestedAt: now.UTC(),
	}
}

// IngestCursor marks the rightmost slice boundary already accepted by the queue.
type IngestCursor struct {
	// Position is the exclusive end of the last enqueued batch.
	Position time.Time `json:"position"`

	// SlicesEnqueued is the running total of slices handed to the queue.
	SlicesEnqueued int64 `json:"slices_enqueued"`

	// UpdatedAt is the time of the last successful commit.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEmpty returns true if the cursor has never been committed.
func (c IngestCursor) IsEmpty() bool {
	return c.Position.IsZero()
}

// Advance returns the cursor moved to position after n more slices were enqueued.
func (c IngestCursor) Advance(position time.Time, n int, now time.Time) IngestCursor {
	return IngestCursor{
		Position:       position.UTC(),
		SlicesEnqueued: c.SlicesEnqueued + int64(n),
		UpdatedAt:      now.UTC(),
	}
}

// PurgeReason explains why a command was dead-lettered.
type PurgeReason string

const (
	PurgeAttemptsExhausted PurgeReason = "attempts_exhausted"
	PurgeMaxAgeExceeded    PurgeReason = "max_age_exceeded"
)

// DeadLetter is the durable audit record of a command removed by the purge sweep.
type DeadLetter struct {
	CommandID  string      `json:"command_id" yaml:"command_id"`
	Kind       CommandKind `json:"kind" yaml:"kind"`
	Slice      TimeSlice   `json:"slice" yaml:"slice"`
	Cursor     Cursor      `json:"cursor,omitempty" yaml:"cursor,omitempty"`
	Attempt    int         `json:"attempt" yaml:"attempt"`
	Reason     PurgeReason `json:"reason" yaml:"reason"`
	LastError  string      `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at" yaml:"enqueued_at"`
	PurgedAt   time.Time   `json:"purged_at" yaml:"purged_at"`
}
