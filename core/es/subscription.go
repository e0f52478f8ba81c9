package es

import (
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// SubscribeFilter narrows which envelopes a subscriber receives. All set
// fields must match; an empty filter matches everything. Subscribers
// filter here instead of the store pre-routing by event name.
type SubscribeFilter struct {
	EventTypes     []string
	AggregateTypes []string
	AggregateIDs   []string
	From           time.Time
	To             time.Time
}

func (f SubscribeFilter) matches(e Envelope) bool {
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, e.Type) {
		return false
	}
	if len(f.AggregateTypes) > 0 && !containsString(f.AggregateTypes, e.AggregateType) {
		return false
	}
	if len(f.AggregateIDs) > 0 && !containsString(f.AggregateIDs, e.AggregateID) {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.OccurredAt.After(f.To) {
		return false
	}
	return true
}

// Subscription is a live event feed. Cancel is idempotent; the channel is
// never closed by the store, consumers select on their own context.
type Subscription interface {
	ID() string
	Chan() <-chan Envelope
	Cancel()
}

type subscription struct {
	id         string
	filter     SubscribeFilter
	ch         chan Envelope
	cancelOnce sync.Once
	cancel     func()
}

func (s *subscription) ID() string            { return s.id }
func (s *subscription) Chan() <-chan Envelope { return s.ch }
func (s *subscription) Cancel()               { s.cancelOnce.Do(s.cancel) }

func newSubscription(filter SubscribeFilter, buffer int, cancel func(id string)) *subscription {
	id := gonanoid.Must()
	s := &subscription{
		id:     id,
		filter: filter,
		ch:     make(chan Envelope, buffer),
	}
	s.cancel = func() { cancel(id) }
	return s
}
