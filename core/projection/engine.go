package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claimsstack/eventwave/core/es"
)

const (
	// DefaultCheckpointEvery is the checkpoint cadence in processed events.
	DefaultCheckpointEvery = 10
	DefaultRetryAttempts   = 3
	DefaultRetryDelay      = 100 * time.Millisecond
	DefaultBatchSize       = 100

	healthMaxErrorRate = 0.10
	healthMaxLag       = 5 * time.Minute
)

// EventSource is the slice of the event store the engine needs: batched
// historical reads and a live subscription. *es.Store satisfies it.
type EventSource interface {
	GetAllEvents(ctx context.Context, filter es.AllEventsFilter, fromPosition uint64, batchSize int) ([]es.Envelope, error)
	Subscribe(ctx context.Context, filter es.SubscribeFilter) es.Subscription
}

// Stats is a point-in-time view of one projection's progress.
type Stats struct {
	Projection  string
	Running     bool
	Processed   uint64
	Failed      uint64
	Position    uint64
	LastError   error
	LastEventAt time.Time
	Healthy     bool
}

// Engine drives a single projection: catch-up from the last checkpoint,
// live tailing, checkpointing and fail-closed error handling.
type Engine struct {
	log         *slog.Logger
	source      EventSource
	checkpoints CheckpointStore
	proj        Projection
	metrics     Metrics

	filter          es.AllEventsFilter
	checkpointEvery int
	retryAttempts   int
	retryDelay      time.Duration
	batchSize       int

	mu              sync.Mutex
	initialized     bool
	running         bool
	position        uint64
	sinceCheckpoint int
	processed       uint64
	failed          uint64
	lastError       error
	lastEventAt     time.Time
	sub             es.Subscription
	done            chan struct{}
}

type EngineOption interface{ applyToEngine(e *Engine) }

type engineOption struct {
	apply func(e *Engine)
}

func (o engineOption) applyToEngine(e *Engine) { o.apply(e) }

// WithLog sets the engine's logger.
func WithLog(l *slog.Logger) EngineOption {
	return engineOption{apply: func(e *Engine) { e.log = l }}
}

// WithMetrics sets the engine's metrics sink.
func WithMetrics(m Metrics) EngineOption {
	return engineOption{apply: func(e *Engine) { e.metrics = m }}
}

// WithCheckpointEvery sets the checkpoint cadence in events.
func WithCheckpointEvery(n int) EngineOption {
	return engineOption{apply: func(e *Engine) {
		if n > 0 {
			e.checkpointEvery = n
		}
	}}
}

// WithRetry sets the in-place retry budget for a failing event.
func WithRetry(attempts int, delay time.Duration) EngineOption {
	return engineOption{apply: func(e *Engine) {
		if attempts >= 0 {
			e.retryAttempts = attempts
		}
		if delay > 0 {
			e.retryDelay = delay
		}
	}}
}

// WithBatchSize sets the historical replay batch size.
func WithBatchSize(n int) EngineOption {
	return engineOption{apply: func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}}
}

// WithFilter narrows the events the engine reads and subscribes to.
func WithFilter(filter es.AllEventsFilter) EngineOption {
	return engineOption{apply: func(e *Engine) { e.filter = filter }}
}

func NewEngine(source EventSource, checkpoints CheckpointStore, proj Projection, opts ...EngineOption) *Engine {
	e := &Engine{
		log:             slog.Default(),
		source:          source,
		checkpoints:     checkpoints,
		proj:            proj,
		metrics:         NopMetrics(),
		checkpointEvery: DefaultCheckpointEvery,
		retryAttempts:   DefaultRetryAttempts,
		retryDelay:      DefaultRetryDelay,
		batchSize:       DefaultBatchSize,
	}
	for _, opt := range opts {
		opt.applyToEngine(e)
	}
	e.log = e.log.With(
		slog.String("component", "projection_engine"),
		slog.String("projection", proj.Name()),
	)
	return e
}

// Init runs the projection's init hook and loads the checkpoint. Called
// implicitly by Start when needed.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initLocked(ctx)
}

func (e *Engine) initLocked(ctx context.Context) error {
	if e.initialized {
		return nil
	}
	if err := e.proj.Init(ctx); err != nil {
		return fmt.Errorf("init projection %q: %w", e.proj.Name(), err)
	}

	cp, err := e.checkpoints.Load(ctx, e.proj.Name())
	switch {
	case errors.Is(err, ErrCheckpointNotFound):
		e.position = 0
	case err != nil:
		return fmt.Errorf("load checkpoint for %q: %w", e.proj.Name(), err)
	default:
		e.position = cp.Position
	}

	e.initialized = true
	e.log.Info("projection initialized", slog.Uint64("position", e.position))
	return nil
}

// Start catches the projection up from its checkpoint and then tails the
// live stream until Stop is called or the retry budget is exhausted.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("projection %q: %w", e.proj.Name(), ErrAlreadyRunning)
	}
	if err := e.initLocked(ctx); err != nil {
		e.mu.Unlock()
		return err
	}

	// subscribe before catch-up so no event falls between the two;
	// the live loop drops everything at or below the replay position
	sub := e.source.Subscribe(ctx, e.subscribeFilter())
	e.sub = sub
	e.mu.Unlock()

	if err := e.catchUp(ctx); err != nil {
		sub.Cancel()
		e.mu.Lock()
		e.sub = nil
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.running = true
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go e.live(sub, done)

	e.log.Info("projection running", slog.Uint64("position", e.Stats().Position))
	return nil
}

func (e *Engine) subscribeFilter() es.SubscribeFilter {
	return es.SubscribeFilter{
		EventTypes:     e.filter.EventTypes,
		AggregateTypes: e.filter.AggregateTypes,
	}
}

func (e *Engine) catchUp(ctx context.Context) error {
	for {
		e.mu.Lock()
		from := e.position
		e.mu.Unlock()

		batch, err := e.source.GetAllEvents(ctx, e.filter, from, e.batchSize)
		if err != nil {
			return fmt.Errorf("replay %q from %d: %w", e.proj.Name(), from, err)
		}
		for _, env := range batch {
			if err := e.ProcessEvent(ctx, env); err != nil {
				return err
			}
		}
		if len(batch) < e.batchSize {
			return nil
		}
	}
}

func (e *Engine) live(sub es.Subscription, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	for env := range sub.Chan() {
		e.mu.Lock()
		stale := env.Seq <= e.position
		e.mu.Unlock()
		if stale {
			continue
		}

		if err := e.ProcessEvent(ctx, env); err != nil {
			e.stopOnError(err)
			return
		}
	}
}

// ProcessEvent is the single entry point for historical and live events
// alike: filter, handle with in-place retries, count, checkpoint. When
// the retry budget is exhausted the engine stops and the error surfaces.
func (e *Engine) ProcessEvent(ctx context.Context, env es.Envelope) error {
	if !e.proj.CanHandle(env) {
		e.metrics.EventSkipped(e.proj.Name())
		return e.advance(ctx, env)
	}

	var lastErr error
	for attempt := 0; attempt <= e.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}

		err := e.proj.Handle(ctx, env)
		if err == nil {
			e.metrics.EventProcessed(e.proj.Name(), true)
			e.mu.Lock()
			e.processed++
			e.lastEventAt = env.OccurredAt
			e.mu.Unlock()
			return e.advance(ctx, env)
		}

		lastErr = err
		e.metrics.EventProcessed(e.proj.Name(), false)
		e.mu.Lock()
		e.failed++
		e.mu.Unlock()
		e.log.Warn("event handling failed",
			slog.String("event_type", env.Type),
			slog.Uint64("position", env.Seq),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}

	err := fmt.Errorf("%w: event %q at %d: %v", ErrRetriesExhausted, env.Type, env.Seq, lastErr)
	e.mu.Lock()
	e.lastError = err
	e.mu.Unlock()
	return err
}

func (e *Engine) advance(ctx context.Context, env es.Envelope) error {
	e.mu.Lock()
	e.position = env.Seq
	e.sinceCheckpoint++
	save := e.sinceCheckpoint >= e.checkpointEvery
	if save {
		e.sinceCheckpoint = 0
	}
	pos := e.position
	e.mu.Unlock()

	if !save {
		return nil
	}
	return e.saveCheckpoint(ctx, pos)
}

func (e *Engine) saveCheckpoint(ctx context.Context, pos uint64) error {
	cp := Checkpoint{
		Projection: e.proj.Name(),
		Position:   pos,
		UpdatedAt:  time.Now(),
	}
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint for %q: %w", e.proj.Name(), err)
	}
	e.metrics.CheckpointSaved(e.proj.Name(), pos)
	return nil
}

// stopOnError transitions the engine to stopped after a fatal event
// failure. The triggering error remains visible via Stats.
func (e *Engine) stopOnError(err error) {
	e.mu.Lock()
	e.running = false
	if e.sub != nil {
		e.sub.Cancel()
		e.sub = nil
	}
	e.mu.Unlock()

	e.metrics.Stopped(e.proj.Name(), true)
	e.log.Error("projection stopped on error", slog.Any("error", err))
}

// Stop unsubscribes and halts processing. The checkpoint keeps whatever
// position was last saved; Start resumes from there.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("projection %q: %w", e.proj.Name(), ErrNotRunning)
	}
	e.running = false
	sub := e.sub
	e.sub = nil
	done := e.done
	e.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if done != nil {
		<-done
	}

	e.metrics.Stopped(e.proj.Name(), false)
	e.log.Info("projection stopped")
	return nil
}

// Rebuild clears the read model and its checkpoint, then replays the
// whole history from position zero through the normal processing path.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		if err := e.Stop(); err != nil {
			return err
		}
	}

	if err := e.proj.Reset(ctx); err != nil {
		return fmt.Errorf("reset projection %q: %w", e.proj.Name(), err)
	}
	if err := e.checkpoints.Delete(ctx, e.proj.Name()); err != nil {
		return fmt.Errorf("delete checkpoint for %q: %w", e.proj.Name(), err)
	}

	e.mu.Lock()
	e.position = 0
	e.sinceCheckpoint = 0
	e.processed = 0
	e.failed = 0
	e.lastError = nil
	e.lastEventAt = time.Time{}
	e.initialized = false
	e.mu.Unlock()

	e.metrics.Rebuilt(e.proj.Name())
	e.log.Info("projection rebuilding")
	return e.Start(ctx)
}

// IsRunning reports whether the live loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// IsHealthy derives health from the counters: the error rate stays under
// 10% and the projection is not lagging more than five minutes behind.
func (e *Engine) IsHealthy() bool {
	return e.Stats().Healthy
}

// Stats returns a snapshot of the engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	healthy := true
	if total := e.processed + e.failed; total > 0 {
		if float64(e.failed)/float64(total) >= healthMaxErrorRate {
			healthy = false
		}
	}
	if !e.lastEventAt.IsZero() && time.Since(e.lastEventAt) > healthMaxLag {
		healthy = false
	}

	return Stats{
		Projection:  e.proj.Name(),
		Running:     e.running,
		Processed:   e.processed,
		Failed:      e.failed,
		Position:    e.position,
		LastError:   e.lastError,
		LastEventAt: e.lastEventAt,
		Healthy:     healthy,
	}
}
