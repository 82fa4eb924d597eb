// ABOUTME: Bounded, TTL-based filter of recently admitted message ids
// ABOUTME: Used by wire ingestion to drop redelivered messages before they are persisted

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when a Filter is built with zero values.
const (
	DefaultWindow   = 10 * time.Minute
	DefaultCapacity = 10000
)

type seenID struct {
	at   time.Time
	elem *list.Element
}

// Filter tracks message ids admitted within the last window. Once capacity
// is reached the oldest id is dropped first.
type Filter struct {
	mu       sync.Mutex
	ids      map[string]*seenID
	order    *list.List // oldest at front
	window   time.Duration
	capacity int
	now      func() time.Time

	stop    chan struct{}
	stopped bool
}

// Option configures a Filter.
type Option func(*Filter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// NewFilter creates a filter and starts a sweeper that drops expired ids
// every sweep interval. A zero sweep disables the sweeper; expired ids are
// then only reclaimed by eviction or Sweep.
func NewFilter(window time.Duration, capacity int, sweep time.Duration, opts ...Option) *Filter {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	f := &Filter{
		ids:      make(map[string]*seenID),
		order:    list.New(),
		window:   window,
		capacity: capacity,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if sweep > 0 {
		go f.sweepLoop(sweep)
	}
	return f
}

// Admit records id and reports true if it was not seen within the window.
// A false result means the message is a redelivery and should be dropped.
func (f *Filter) Admit(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if e, ok := f.ids[id]; ok {
		if now.Sub(e.at) < f.window {
			return false
		}
		e.at = now
		f.order.MoveToBack(e.elem)
		return true
	}

	if len(f.ids) >= f.capacity {
		if front := f.order.Front(); front != nil {
			delete(f.ids, front.Value.(string))
			f.order.Remove(front)
		}
	}
	f.ids[id] = &seenID{at: now, elem: f.order.PushBack(id)}
	return true
}

// Seen reports whether id was admitted within the window without recording it.
func (f *Filter) Seen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.ids[id]
	return ok && f.now().Sub(e.at) < f.window
}

// Release forgets id so a later delivery of it is admitted again.
func (f *Filter) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.ids[id]; ok {
		f.order.Remove(e.elem)
		delete(f.ids, id)
	}
}

// Len returns the number of tracked ids, expired or not.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

// Sweep drops every expired id and returns how many were removed.
func (f *Filter) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	removed := 0
	// Admission order is also expiry order, so stop at the first live id.
	for e := f.order.Front(); e != nil; {
		id := e.Value.(string)
		if now.Sub(f.ids[id].at) < f.window {
			break
		}
		next := e.Next()
		f.order.Remove(e)
		delete(f.ids, id)
		removed++
		e = next
	}
	return removed
}

func (f *Filter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Sweep()
		case <-f.stop:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (f *Filter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.stopped {
		close(f.stop)
		f.stopped = true
	}
}
