// Package es implements the event-sourcing core of the claims platform
// runtime: the event log model, the aggregate runtime, the event store with
// optimistic concurrency and snapshot-bounded replay, and the in-process
// subscription fan-out that projections and sagas consume.
//
// The durable backend sits behind the narrow Storage and SnapshotStore
// interfaces; everything above them (version checks, schema upgrades,
// caching, fan-out) is the responsibility of this package.
package es
