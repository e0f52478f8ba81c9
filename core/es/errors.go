package es

import (
	"errors"
	"fmt"
)

var (
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrUnhandledEvent      = errors.New("unhandled event")
	ErrStoreNoEvents       = errors.New("no events to store")
	ErrStreamNotFound      = errors.New("stream not found")
)

// ConcurrencyError reports an optimistic concurrency failure on save.
// It carries both version numbers so the caller can reload and retry.
type ConcurrencyError struct {
	AggregateID string
	Expected    Version
	Actual      Version
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf(
		"concurrency conflict on %s: expected version %d, actual %d",
		e.AggregateID, e.Expected, e.Actual,
	)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrencyConflict }

func NewConcurrencyError(aggID string, expected, actual Version) *ConcurrencyError {
	return &ConcurrencyError{AggregateID: aggID, Expected: expected, Actual: actual}
}
