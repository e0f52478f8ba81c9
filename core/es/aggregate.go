package es

import (
	"errors"
	"fmt"
	"time"
)

// PendingEvent is an event raised on an aggregate but not yet persisted.
// The stream version is assigned exactly once, when the event is raised,
// as the aggregate's version at that moment plus one.
type PendingEvent struct {
	Event    any
	Version  Version
	Metadata Metadata
	RaisedAt time.Time
}

// Applier is the interface for types that can apply events to update their state.
type Applier interface {
	Apply(event any) error
}

// Aggregate is the core interface for event-sourced domain objects.
// It defines the contract that all aggregate roots must implement to work
// with the Repository for loading and persisting state through events.
//
// An aggregate maintains:
//   - Identity: type and ID that uniquely identify the aggregate stream
//   - Version: the current version for optimistic concurrency control
//   - Seq: the global stream sequence number of the last applied event
//   - Uncommitted events: events raised but not yet persisted
//
// The typical lifecycle is:
//  1. Create a new aggregate or load an existing one via Repository
//  2. Execute domain logic that calls Raise() to record events
//  3. Apply() is called to update internal state from each event
//  4. Save via Repository which persists uncommitted events and calls ClearUncommitted()
type Aggregate interface {
	// GetAggType returns the aggregate type name used for stream identification.
	GetAggType() string
	// GetID returns the unique identifier of this aggregate instance.
	GetID() string
	// SetID sets the aggregate ID. Typically called during creation.
	SetID(string)

	// GetVersion returns the current version (highest applied event version).
	GetVersion() Version
	setVersion(Version)

	// GetSeq returns the global stream sequence of the last applied event.
	GetSeq() uint64
	setSeq(uint64)

	// Register registers event types with the provided Registrar.
	Register(r Registrar)
	// Raise records an event as uncommitted and stamps its stream version.
	Raise(event any, opts ...RaiseOption)
	// Apply updates the aggregate state from an event.
	Apply(event any) error

	// Uncommitted returns a copy of events raised but not yet persisted.
	Uncommitted() []PendingEvent
	// ClearUncommitted removes all uncommitted events after successful save.
	ClearUncommitted()
}

type raiseOptions struct {
	metadata Metadata
}

type RaiseOption func(*raiseOptions)

// WithEventMetadata overrides envelope metadata for a raised event
// (correlation id, causation id, schema version).
func WithEventMetadata(md Metadata) RaiseOption {
	return func(o *raiseOptions) { o.metadata = md }
}

// BaseAggregate is an embeddable helper that tracks version + uncommitted events.
// It also counts events skipped during replay because no mutator was registered
// for their type; replay tolerates those for forward compatibility.
type BaseAggregate struct {
	id          string
	version     Version
	seq         uint64
	uncommitted []PendingEvent
	unhandled   int
}

func (b *BaseAggregate) GetID() string        { return b.id }
func (b *BaseAggregate) SetID(id string)      { b.id = id }
func (b *BaseAggregate) GetVersion() Version  { return b.version }
func (b *BaseAggregate) setVersion(v Version) { b.version = v }
func (b *BaseAggregate) GetSeq() uint64       { return b.seq }
func (b *BaseAggregate) setSeq(s uint64)      { b.seq = s }

// UnhandledEvents reports how many replayed events were skipped because
// their type had no registered mutator.
func (b *BaseAggregate) UnhandledEvents() int { return b.unhandled }

func (b *BaseAggregate) markUnhandled() { b.unhandled++ }

// Raise records an event as uncommitted with version = current + 1 and
// advances the aggregate version. It does not apply the event; use
// RaiseAndApply to do both.
func (b *BaseAggregate) Raise(event any, opts ...RaiseOption) {
	options := raiseOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.metadata.SchemaVersion == "" {
		options.metadata.SchemaVersion = SchemaVersionOf(event)
	}

	next := b.version + 1
	b.uncommitted = append(b.uncommitted, PendingEvent{
		Event:    event,
		Version:  next,
		Metadata: options.metadata,
		RaisedAt: time.Now(),
	})
	b.version = next
}

func (b *BaseAggregate) ClearUncommitted() { b.uncommitted = nil }
func (b *BaseAggregate) Uncommitted() []PendingEvent {
	out := make([]PendingEvent, len(b.uncommitted))
	copy(out, b.uncommitted)
	return out
}

// === Helpers ===

type raiseApplier interface {
	Raise(event any, opts ...RaiseOption)
	Apply(event any) error
}

// RaiseAndApply records each event as uncommitted and applies it to mutate
// state, validating first when the event implements Validate() error.
func RaiseAndApply(a raiseApplier, events ...any) (err error) {
	return raiseAndApply(a, nil, events...)
}

// RaiseAndApplyWithMetadata is RaiseAndApply with explicit envelope metadata,
// used by sagas and bus handlers to carry the correlation chain.
func RaiseAndApplyWithMetadata(a raiseApplier, md Metadata, events ...any) (err error) {
	return raiseAndApply(a, []RaiseOption{WithEventMetadata(md)}, events...)
}

func raiseAndApply(a raiseApplier, opts []RaiseOption, events ...any) (err error) {
	if len(events) == 0 {
		return
	}

	// validate
	for _, e := range events {
		if ev, ok := e.(interface{ Validate() error }); ok {
			err = ev.Validate()
			if err != nil {
				return fmt.Errorf("invalid event %T: %w", ev, err)
			}
		}
	}

	for _, e := range events {
		a.Raise(e, opts...)
		err = a.Apply(e)
		if err != nil {
			return
		}
	}
	return
}

type unhandledMarker interface{ markUnhandled() }

// LoadFromHistory replays already-persisted events onto an aggregate.
// Events must be supplied in ascending version order; the runtime does not
// reorder. An event whose type has no registered mutator (Apply returns
// ErrUnhandledEvent) is skipped and counted, not a failure; this is a
// deliberate tolerance for forward-compatible deployments.
func LoadFromHistory(agg Aggregate, decoder Decoder, history []Envelope) error {
	for _, env := range history {
		expect := agg.GetVersion() + 1
		if env.Version != expect {
			return fmt.Errorf("out-of-order history for %s: expect version %d, got %d",
				env.AggregateID, expect, env.Version)
		}

		evt, err := decoder.Decode(env)
		if err != nil {
			if errors.Is(err, ErrUnknownEventType) {
				markAggUnhandled(agg)
				agg.setVersion(env.Version)
				agg.setSeq(env.Seq)
				continue
			}
			return err
		}

		if err := agg.Apply(evt); err != nil {
			if errors.Is(err, ErrUnhandledEvent) {
				markAggUnhandled(agg)
				agg.setVersion(env.Version)
				agg.setSeq(env.Seq)
				continue
			}
			return err
		}

		agg.setVersion(env.Version)
		agg.setSeq(env.Seq)
	}
	return nil
}

func markAggUnhandled(agg Aggregate) {
	if m, ok := any(agg).(unhandledMarker); ok {
		m.markUnhandled()
	}
}
