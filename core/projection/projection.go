package projection

import (
	"context"
	"errors"

	"github.com/claimsstack/eventwave/core/es"
)

var (
	ErrProjectionNotFound = errors.New("projection not found")
	ErrAlreadyRunning     = errors.New("projection already running")
	ErrNotRunning         = errors.New("projection not running")
	// ErrRetriesExhausted wraps the event error that stopped a projection.
	ErrRetriesExhausted = errors.New("projection retries exhausted")
)

// Projection is a read-model builder. Implementations hold the model
// itself; the engine owns lifecycle, checkpointing and retries.
type Projection interface {
	// Name identifies the projection and keys its checkpoint.
	Name() string
	// Init prepares projection-local state before any event arrives.
	Init(ctx context.Context) error
	// CanHandle filters events before Handle is called.
	CanHandle(env es.Envelope) bool
	// Handle folds one event into the read model.
	Handle(ctx context.Context, env es.Envelope) error
	// Reset clears the read model for a rebuild.
	Reset(ctx context.Context) error
}
