// Package storage defines the persistence contracts of the engine: an
// append-only event store with optimistic concurrency and a snapshot cache.
// Aggregates are rebuilt from their event streams; the cache only speeds up
// reads and is never authoritative.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrVersionConflict is returned by EventStore.Append when the stream has
	// moved past the expected version (a concurrent save won the race).
	ErrVersionConflict = errors.New("event stream version conflict")

	// ErrCacheMiss is returned by Cache.Get when no entry exists for the key.
	ErrCacheMiss = errors.New("cache miss")
)

// Event is one entry of an aggregate's event stream.
type Event struct {
	// ID is a ULID, sortable by creation time.
	ID string `json:"id"`

	// Type names the event, e.g. "access_token.created".
	Type string `json:"type"`

	// DomainID is the identifier of the aggregate the event belongs to.
	DomainID string `json:"domain_id"`

	// Version is the 1-based position of the event in its stream. It is
	// assigned by the event store on append.
	Version int64 `json:"version"`

	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEvent creates an event with a fresh ULID and the JSON encoding of payload.
func NewEvent(eventType, domainID string, payload any, occurredAt time.Time) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		raw = data
	}

	return Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		DomainID:   domainID,
		Payload:    raw,
		OccurredAt: occurredAt.UTC(),
	}, nil
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// EventStore persists event streams.
// All methods accept context.Context for tracing and cancellation.
type EventStore interface {
	// Append adds events to the end of the stream. The append succeeds only
	// when the stream currently holds exactly expectedVersion events;
	// otherwise nothing is written and ErrVersionConflict is returned.
	// Implementations assign Version to each appended event.
	Append(ctx context.Context, streamID string, expectedVersion int64, events []Event) error

	// Load returns every event of the stream in append order. An unknown
	// stream yields an empty slice and no error.
	Load(ctx context.Context, streamID string) ([]Event, error)
}

// Cache stores serialized aggregate snapshots, each tagged with the stream
// version it was built from.
// All methods accept context.Context for tracing and cancellation.
type Cache interface {
	// Get returns the entry stored under key, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value as the snapshot of key at version. The check and the
	// write are atomic: when the entry already holds a higher version the
	// write is skipped and nil is returned, so a snapshot never moves
	// backwards. A zero ttl means no expiry.
	Set(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) error

	// Delete removes the entry. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// AssignVersions sets Version on events appended after expectedVersion.
// Backends call it before writing.
func AssignVersions(expectedVersion int64, events []Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		e.Version = expectedVersion + int64(i) + 1
		out[i] = e
	}
	return out
}
