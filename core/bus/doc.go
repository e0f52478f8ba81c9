// Package bus implements the request-routing backbone: a command bus and a
// query bus with single-handler dispatch, an ordered middleware onion and
// per-type metrics. The query bus additionally keeps an opt-in, TTL-bounded
// response cache.
//
// Envelope validation happens before any middleware runs; a malformed
// message never reaches a handler and never causes a side effect.
package bus
