// Package domain holds the event-sourced aggregates of the engine: clients,
// access tokens, refresh tokens, authorization codes, initial access tokens
// and pre-configured authorizations.
//
// Every durable change is an event. Constructors record the first event of a
// fresh identity; each mutator records exactly one further event and folds it
// into state through Apply. Events stay pending until a repository appends
// them to the event store and calls MarkPersisted.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

var (
	// ErrDomainIDMismatch is returned by Apply for an event of another aggregate.
	ErrDomainIDMismatch = errors.New("event belongs to another aggregate")

	// ErrUnknownEventType is returned by Apply for an event type the aggregate does not handle.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrAlreadyCreated is returned when a creation event is applied twice.
	ErrAlreadyCreated = errors.New("aggregate already created")

	// ErrNotCreated is returned when a mutation event precedes the creation event.
	ErrNotCreated = errors.New("aggregate not created")
)

// Aggregate is implemented by every event-sourced type of this package.
type Aggregate interface {
	// Kind names the aggregate type, e.g. "access_token".
	Kind() string

	// AggregateID returns the identifier as a string, empty before creation.
	AggregateID() string

	// Version is the number of events already persisted for this aggregate.
	Version() int64

	// PendingEvents returns events recorded since the last save, in order.
	PendingEvents() []storage.Event

	// MarkPersisted advances Version past the pending events and clears them.
	MarkPersisted()

	// Apply folds one event into state.
	Apply(e storage.Event) error

	base() *root
}

// StreamID returns the event stream identifier of an aggregate.
func StreamID(kind, id string) string {
	return kind + "-" + id
}

// Replay folds a persisted event stream into a fresh aggregate.
func Replay(a Aggregate, events []storage.Event) error {
	for _, e := range events {
		if err := a.Apply(e); err != nil {
			return fmt.Errorf("failed to replay %s %s: %w", a.Kind(), e.DomainID, err)
		}
	}
	a.base().version = int64(len(events))
	return nil
}

// root carries the bookkeeping shared by all aggregates.
type root struct {
	version int64
	pending []storage.Event
}

func (r *root) base() *root { return r }

func (r *root) Version() int64 { return r.version }

func (r *root) PendingEvents() []storage.Event {
	out := make([]storage.Event, len(r.pending))
	copy(out, r.pending)
	return out
}

func (r *root) MarkPersisted() {
	r.version += int64(len(r.pending))
	r.pending = nil
}

// record creates an event, applies it and keeps it pending.
func record(a Aggregate, domainID, eventType string, payload any, now time.Time) error {
	e, err := storage.NewEvent(eventType, domainID, payload, now)
	if err != nil {
		return err
	}
	if err := a.Apply(e); err != nil {
		return err
	}
	r := a.base()
	r.pending = append(r.pending, e)
	return nil
}

// checkEvent validates the target of an event before it is folded.
// created tells whether the aggregate already saw its creation event.
func checkEvent(a Aggregate, e storage.Event, created bool, isCreation bool) error {
	if created && e.DomainID != a.AggregateID() {
		return fmt.Errorf("%w: %s %s received event for %s", ErrDomainIDMismatch, a.Kind(), a.AggregateID(), e.DomainID)
	}
	if isCreation && created {
		return fmt.Errorf("%w: %s %s", ErrAlreadyCreated, a.Kind(), a.AggregateID())
	}
	if !isCreation && !created {
		return fmt.Errorf("%w: %s event %s", ErrNotCreated, a.Kind(), e.Type)
	}
	return nil
}

func unknownEvent(a Aggregate, e storage.Event) error {
	return fmt.Errorf("%w: %s cannot apply %q", ErrUnknownEventType, a.Kind(), e.Type)
}

// snapshot is the cached form of an aggregate.
type snapshot[S any] struct {
	Version int64 `json:"version"`
	State   S     `json:"state"`
}

func marshalSnapshot[S any](r *root, state S) ([]byte, error) {
	return json.Marshal(snapshot[S]{Version: r.version, State: state})
}

func unmarshalSnapshot[S any](data []byte, r *root, state *S) error {
	var s snapshot[S]
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	r.version = s.Version
	r.pending = nil
	*state = s.State
	return nil
}
