package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CommandBus routes commands to exactly one registered handler per type.
type CommandBus struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string]CommandHandler
	mws      []CommandMiddleware

	metrics BusMetrics
	stats   *stats
}

func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	o := newBusOpts()
	for _, opt := range opts {
		opt.applyToCommandBus(o)
	}

	return &CommandBus{
		log:      o.log.With(slog.String("component", "command_bus")),
		handlers: map[string]CommandHandler{},
		metrics:  o.metrics,
		stats:    newStats(),
	}
}

// Register binds a handler to a command type. A second registration for
// the same type fails with ErrHandlerExists.
func (b *CommandBus) Register(cmdType string, h CommandHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[cmdType]; ok {
		return fmt.Errorf("command %q: %w", cmdType, ErrHandlerExists)
	}
	b.handlers[cmdType] = h
	return nil
}

// Use appends middleware. The first added runs outermost.
func (b *CommandBus) Use(mws ...CommandMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mws = append(b.mws, mws...)
}

// Dispatch validates the command envelope, then runs it through the
// middleware chain and the registered handler.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (any, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	h, ok := b.handlers[cmd.Type]
	mws := b.mws
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("command %q: %w", cmd.Type, ErrHandlerNotFound)
	}

	start := time.Now()
	timer := b.metrics.DispatchDuration("command", cmd.Type)
	res, err := applyMiddlewares(h, mws)(ctx, cmd)
	timer.ObserveDuration()

	b.stats.record(cmd.Type, time.Since(start), err)
	b.metrics.Dispatched("command", cmd.Type, err == nil)

	if err != nil {
		return nil, fmt.Errorf("dispatch command %q: %w", cmd.Type, err)
	}
	return res, nil
}

// Stats returns a snapshot of the bus counters.
func (b *CommandBus) Stats() Stats { return b.stats.snapshot() }
