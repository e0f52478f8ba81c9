package bus

import (
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrHandlerNotFound = errors.New("handler not found")
	ErrHandlerExists   = errors.New("handler already registered")
	// ErrNotFound is wrapped by handlers whose target does not exist.
	// The retry middleware treats it as non-retryable.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned by the authorization middleware.
	ErrUnauthorized = errors.New("unauthorized")
)

// InvalidMessageError names the envelope field that failed validation.
type InvalidMessageError struct {
	Kind  string // "command" or "query"
	Type  string
	Field string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid %s %q: missing %s", e.Kind, e.Type, e.Field)
}

func (e *InvalidMessageError) Unwrap() error { return ErrInvalidMessage }

// CachePolicy opts a query into response caching. Zero TTL disables it.
type CachePolicy struct {
	TTL time.Duration
}

// Metadata is the message envelope metadata shared by commands and queries.
type Metadata struct {
	CorrelationID string       `json:"correlation_id"`
	CausationID   string       `json:"causation_id,omitempty"`
	Principal     string       `json:"principal,omitempty"`
	CachePolicy   *CachePolicy `json:"cache_policy,omitempty"`
}

// Command is an intention to change one aggregate.
type Command struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	AggregateID string   `json:"aggregate_id"`
	Data        any      `json:"data,omitempty"`
	Metadata    Metadata `json:"metadata"`
}

// Query is a read request against a read model.
type Query struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Params   any      `json:"params,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// NewCommand builds a command with a fresh id and correlation id.
func NewCommand(cmdType, aggregateID string, data any) Command {
	return Command{
		ID:          gonanoid.Must(),
		Type:        cmdType,
		AggregateID: aggregateID,
		Data:        data,
		Metadata:    Metadata{CorrelationID: gonanoid.Must()},
	}
}

// NewQuery builds a query with a fresh id and correlation id.
func NewQuery(queryType string, params any) Query {
	return Query{
		ID:       gonanoid.Must(),
		Type:     queryType,
		Params:   params,
		Metadata: Metadata{CorrelationID: gonanoid.Must()},
	}
}

func (c Command) Validate() error {
	if c.ID == "" {
		return &InvalidMessageError{Kind: "command", Type: c.Type, Field: "id"}
	}
	if c.Type == "" {
		return &InvalidMessageError{Kind: "command", Type: c.Type, Field: "type"}
	}
	if c.AggregateID == "" {
		return &InvalidMessageError{Kind: "command", Type: c.Type, Field: "aggregate_id"}
	}
	if c.Metadata.CorrelationID == "" {
		return &InvalidMessageError{Kind: "command", Type: c.Type, Field: "metadata.correlation_id"}
	}
	return nil
}

func (q Query) Validate() error {
	if q.ID == "" {
		return &InvalidMessageError{Kind: "query", Type: q.Type, Field: "id"}
	}
	if q.Type == "" {
		return &InvalidMessageError{Kind: "query", Type: q.Type, Field: "type"}
	}
	if q.Metadata.CorrelationID == "" {
		return &InvalidMessageError{Kind: "query", Type: q.Type, Field: "metadata.correlation_id"}
	}
	return nil
}

// Message is the envelope surface middlewares rely on.
type Message interface {
	MessageType() string
	MessageID() string
	MessageMetadata() Metadata
	Validate() error
}

func (c Command) MessageType() string       { return c.Type }
func (c Command) MessageID() string         { return c.ID }
func (c Command) MessageMetadata() Metadata { return c.Metadata }

func (q Query) MessageType() string       { return q.Type }
func (q Query) MessageID() string         { return q.ID }
func (q Query) MessageMetadata() Metadata { return q.Metadata }

var (
	_ Message = Command{}
	_ Message = Query{}
)
