// Package projection folds the event stream into queryable read models.
// An Engine owns one Projection: it replays history from the last
// checkpoint, switches to live events, checkpoints progress at a fixed
// cadence and fails closed when a projection cannot process an event
// within its retry budget.
package projection
