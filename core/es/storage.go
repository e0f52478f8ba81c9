package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// StreamKey identifies an aggregate stream in storage.
func StreamKey(aggType, aggID string) string {
	return fmt.Sprintf("%s-%s", aggType, aggID)
}

type (
	// AllEventsFilter narrows a global read. Zero value matches everything.
	AllEventsFilter struct {
		EventTypes     []string
		AggregateTypes []string
	}

	// Storage is the durable append-only collaborator behind the event
	// store. Each call is assumed atomic; ordering within a stream is the
	// storage's responsibility, global Seq assignment happens on save.
	Storage interface {
		// SaveEvents appends events to a stream and returns them with
		// their global Seq assigned. It does not check versions; the
		// event store performs the optimistic check and storage only
		// guarantees atomicity of the batch.
		SaveEvents(ctx context.Context, streamKey string, events []Envelope) ([]Envelope, error)
		// GetEvents reads a stream slice. fromVersion/toVersion of 0 mean
		// unbounded on that side.
		GetEvents(ctx context.Context, streamKey string, fromVersion, toVersion Version) ([]Envelope, error)
		// GetCurrentVersion returns the highest persisted version of a
		// stream, 0 when the stream does not exist.
		GetCurrentVersion(ctx context.Context, streamKey string) (Version, error)
		// GetAllEvents reads the global log from a position (exclusive),
		// at most batchSize events, in Seq order.
		GetAllEvents(ctx context.Context, filter AllEventsFilter, fromPosition uint64, batchSize int) ([]Envelope, error)
		// TruncateStream drops all events of a stream up to and including
		// the given version.
		TruncateStream(ctx context.Context, streamKey string, toVersion Version) error
		// DeleteStream removes a stream entirely.
		DeleteStream(ctx context.Context, streamKey string) error
	}
)

// Matches reports whether an envelope passes the filter.
func (f AllEventsFilter) Matches(e Envelope) bool {
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, e.Type) {
		return false
	}
	if len(f.AggregateTypes) > 0 && !containsString(f.AggregateTypes, e.AggregateType) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// InMemoryStorage is a simple, correct Storage for tests/dev. It keeps
// per-stream slices plus a global Seq-ordered log.
type InMemoryStorage struct {
	mu      sync.Mutex
	log     *slog.Logger
	seq     atomic.Uint64
	streams map[string][]Envelope
	all     []Envelope
}

func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		log:     slog.Default().With(slog.String("storage", "memory")),
		streams: map[string][]Envelope{},
	}
}

func (s *InMemoryStorage) SaveEvents(_ context.Context, streamKey string, events []Envelope) ([]Envelope, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stamped := make([]Envelope, 0, len(events))
	for _, e := range events {
		e.Seq = s.seq.Add(1)
		stamped = append(stamped, e)
	}
	s.streams[streamKey] = append(s.streams[streamKey], stamped...)
	s.all = append(s.all, stamped...)

	s.log.Debug(
		"append",
		slog.String("stream", streamKey),
		slog.Uint64("last_seq", stamped[len(stamped)-1].Seq),
		slog.Int("num_events", len(stamped)),
	)
	return stamped, nil
}

func (s *InMemoryStorage) GetEvents(_ context.Context, streamKey string, fromVersion, toVersion Version) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.streams[streamKey]
	if !ok {
		return nil, ErrStreamNotFound
	}

	out := make([]Envelope, 0)
	for _, e := range events {
		if fromVersion > 0 && e.Version < fromVersion {
			continue
		}
		if toVersion > 0 && e.Version > toVersion {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStorage) GetCurrentVersion(_ context.Context, streamKey string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.streams[streamKey]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Version, nil
}

func (s *InMemoryStorage) GetAllEvents(_ context.Context, filter AllEventsFilter, fromPosition uint64, batchSize int) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0)
	for _, e := range s.all {
		if e.Seq <= fromPosition {
			continue
		}
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if batchSize > 0 && len(out) >= batchSize {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStorage) TruncateStream(_ context.Context, streamKey string, toVersion Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.streams[streamKey]
	if !ok {
		return ErrStreamNotFound
	}
	kept := make([]Envelope, 0)
	for _, e := range events {
		if e.Version > toVersion {
			kept = append(kept, e)
		}
	}
	s.streams[streamKey] = kept
	return nil
}

func (s *InMemoryStorage) DeleteStream(_ context.Context, streamKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[streamKey]; !ok {
		return ErrStreamNotFound
	}
	delete(s.streams, streamKey)
	return nil
}

var _ Storage = (*InMemoryStorage)(nil)
