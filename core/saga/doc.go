// Package saga orchestrates long-running, multi-step processes across
// aggregates. A saga definition declares ordered steps with command
// templates, compensations, typed conditions, retry policies and
// timeouts; the manager drives instances through the state machine,
// routes correlated events and commands back to them, and runs
// compensation in reverse order or in parallel when a step fails.
package saga
