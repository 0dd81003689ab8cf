// Package timer holds the process-local registry of armed delivery
// timers. Timers are pure in-memory state: they never survive a
// restart and are rebuilt from the relational store by the restore
// coordinator.
package timer

import (
	"sync"
	"time"
)

// Registry maps job ids to cancellable one-shot timers. It holds no
// business data, only the scheduling handles, and is the only
// component allowed to trigger delivery.
type Registry struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timers: make(map[string]*time.Timer)}
}

// Arm schedules fn to run once after delay. An existing timer for the
// same id is cancelled first: replace semantics, never two timers for
// one job.
func (r *Registry) Arm(id string, delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[id]; ok {
		t.Stop()
	}

	var armed *time.Timer
	armed = time.AfterFunc(delay, func() {
		r.releaseFired(id, &armed)
		fn()
	})
	r.timers[id] = armed
}

// Cancel stops and removes the timer for id; no-op when absent.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

// CancelAll stops every outstanding timer. Used at graceful shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// Len returns the number of armed timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.timers)
}

// releaseFired drops the map entry only while it still holds the timer
// that fired. Stop on an already-firing timer returns false, so Arm can
// replace the entry before the old callback gets here; the replacement
// must stay tracked. The fired handle is read under the lock, after the
// arming write completed.
func (r *Registry) releaseFired(id string, fired **time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timers[id] == *fired {
		delete(r.timers, id)
	}
}
