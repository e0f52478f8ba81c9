package saga

import (
	"sync"
	"time"
)

// timers schedules one-shot callbacks keyed by name. Scheduling under an
// existing key replaces the pending timer.
type timers struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

func newTimers() *timers {
	return &timers{pending: map[string]*time.Timer{}}
}

func (t *timers) schedule(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if prev, ok := t.pending[key]; ok {
		prev.Stop()
	}
	t.pending[key] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.pending, key)
		stopped := t.stopped
		t.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

func (t *timers) cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.pending[key]; ok {
		timer.Stop()
		delete(t.pending, key)
	}
}

func (t *timers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for key, timer := range t.pending {
		timer.Stop()
		delete(t.pending, key)
	}
}
