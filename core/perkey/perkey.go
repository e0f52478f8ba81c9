// Package perkey serializes work per key while letting work for different
// keys proceed in parallel. The saga orchestrator uses it to process
// correlated events for one saga instance sequentially, and the event
// store uses the same shape per stream.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when work is submitted to a closed scheduler.
var ErrClosed = errors.New("perkey: scheduler closed")

type Option func(*config)

type config struct {
	bufferSize int
}

// WithBufferSize sets the task buffer size per key (default 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// Scheduler executes submitted functions sequentially per key, in
// submission order. Different keys do not block each other.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	lanes      map[K]*lane
	closed     bool
	inflight   sync.WaitGroup
	bufferSize int
}

type lane struct {
	tasks chan *task
}

type task struct {
	fn   func() error
	done chan error
}

func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		lanes:      make(map[K]*lane),
		bufferSize: cfg.bufferSize,
	}
}

// Do runs fn under the given key and blocks until it finishes, returning
// its error. Calls for the same key never overlap.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is Do with cancellation while enqueueing or waiting. A task
// already enqueued still runs even if the caller stops waiting for it.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.inflight.Add(1)
	l := s.laneLocked(key)
	s.mu.Unlock()

	t := &task{
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case l.tasks <- t:
	case <-ctx.Done():
		s.inflight.Done()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		s.inflight.Done()
		return err
	case <-ctx.Done():
		s.inflight.Done()
		return ctx.Err()
	}
}

// Close rejects new work and shuts the lanes down. Queued tasks still run.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// no sends to closed channels: wait out in-flight submissions first
	s.inflight.Wait()

	s.mu.Lock()
	for _, l := range s.lanes {
		close(l.tasks)
	}
	s.lanes = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) laneLocked(key K) *lane {
	if l, ok := s.lanes[key]; ok {
		return l
	}

	l := &lane{tasks: make(chan *task, s.bufferSize)}
	s.lanes[key] = l
	go func() {
		for t := range l.tasks {
			t.done <- t.fn()
		}
	}()

	return l
}
