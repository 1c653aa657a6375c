// Package fanout implements the in-process event registry. One upstream
// event is delivered to many independent local subscribers, each of which
// registers a partial handler set keyed by event kind. Broadcasts iterate a
// snapshot of the subscriber map, so registering or removing subscribers
// from inside a handler never affects the broadcast in flight.
package fanout

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pulsedesk/support-app/internal/event"
	"github.com/pulsedesk/support-app/internal/metrics"
)

// HistorySize is the number of recent events retained for diagnostics and
// late consumers. Eviction is FIFO.
const HistorySize = 50

// Handlers maps event kinds to callbacks. A subscriber only receives events
// for the kinds it registered; missing kinds are skipped silently.
type Handlers map[string]func(event.Event)

// Registry is the fan-out broadcaster. It is goroutine-safe: Subscribe,
// the returned unsubscribe closures, and Broadcast may be called from any
// goroutine, including from inside a handler during a broadcast.
type Registry struct {
	mu      sync.RWMutex
	subs    map[string]Handlers // subscriber ID -> handler set
	history *ringBuffer
}

// ringBuffer is a fixed-size circular buffer of events.
type ringBuffer struct {
	items []event.Event
	pos   int
	count int
}

func (rb *ringBuffer) add(ev event.Event) {
	rb.items[rb.pos] = ev
	rb.pos = (rb.pos + 1) % len(rb.items)
	if rb.count < len(rb.items) {
		rb.count++
	}
}

func (rb *ringBuffer) all() []event.Event {
	result := make([]event.Event, rb.count)
	start := (rb.pos - rb.count + len(rb.items)) % len(rb.items)
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%len(rb.items)]
	}
	return result
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:    make(map[string]Handlers),
		history: &ringBuffer{items: make([]event.Event, HistorySize)},
	}
}

// Subscribe registers a handler set and returns the matching unsubscribe
// closure. The handler map is copied, so the caller may reuse or mutate its
// map afterwards. Calling the returned closure more than once is a no-op
// after the first call.
func (r *Registry) Subscribe(handlers Handlers) func() {
	id := uuid.New().String()

	set := make(Handlers, len(handlers))
	for kind, fn := range handlers {
		set[kind] = fn
	}

	r.mu.Lock()
	r.subs[id] = set
	r.mu.Unlock()
	metrics.Subscribers.Inc()

	return func() {
		r.mu.Lock()
		_, ok := r.subs[id]
		delete(r.subs, id)
		r.mu.Unlock()
		if ok {
			metrics.Subscribers.Dec()
		}
	}
}

// Broadcast delivers the event to every subscriber registered at the moment
// of the call. Subscribers added or removed while handlers run are included
// or excluded starting from the next broadcast. The event is also appended
// to the diagnostic history ring.
func (r *Registry) Broadcast(ev event.Event) {
	r.mu.Lock()
	r.history.add(ev)
	snapshot := make([]func(event.Event), 0, len(r.subs))
	for _, set := range r.subs {
		if fn, ok := set[ev.Kind]; ok {
			snapshot = append(snapshot, fn)
		}
	}
	r.mu.Unlock()

	metrics.EventsBroadcast.WithLabelValues(ev.Kind).Inc()

	for _, fn := range snapshot {
		fn(ev)
	}
}

// History returns the retained recent events in chronological order
// (oldest first).
func (r *Registry) History() []event.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.all()
}

// Len returns the number of currently registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
