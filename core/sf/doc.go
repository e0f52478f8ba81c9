// Package sf wraps golang.org/x/sync/singleflight with a typed API.
//
// It is used where concurrent callers would otherwise duplicate the same
// expensive read: event store stream loads and query bus cache fills.
package sf
