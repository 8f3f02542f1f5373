// Package debounce provides a keyed debounce scheduler: a map from key to a
// single cancellable timer. Scheduling a key that already has a pending timer
// replaces it, so a burst of events produces one callback after the burst
// goes quiet.
//
// Each scheduled timer carries a generation number. A timer that fires after
// it was replaced or cancelled sees a stale generation and does nothing,
// which closes the race between time.Timer.Stop and an already-running fire.
package debounce

import (
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Debouncer runs at most one pending callback per key.
type Debouncer struct {
	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool
}

// New returns an empty Debouncer.
func New() *Debouncer {
	return &Debouncer{entries: make(map[string]*entry)}
}

// Schedule arranges for fn to run after delay, replacing any callback still
// pending for key. Once Stop has been called Schedule is a no-op.
func (d *Debouncer) Schedule(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if e, ok := d.entries[key]; ok {
		e.timer.Stop()
	}
	d.gen++
	gen := d.gen
	e := &entry{gen: gen}
	e.timer = time.AfterFunc(delay, func() { d.fire(key, gen, fn) })
	d.entries[key] = e
}

func (d *Debouncer) fire(key string, gen uint64, fn func()) {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok || e.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.entries, key)
	d.mu.Unlock()
	fn()
}

// Cancel drops the pending callback for key, if any. It reports whether one
// was pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(d.entries, key)
	return true
}

// Pending returns the number of keys with a callback scheduled.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Stop cancels every pending callback and refuses new ones.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, e := range d.entries {
		e.timer.Stop()
		delete(d.entries, k)
	}
}
