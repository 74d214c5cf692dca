// Package eventbus implements the engine's asynchronous, in-process,
// best-effort publish/subscribe bus (spec.md §4.8). Delivery never
// blocks the emitter; within one event name, delivery preserves emit
// order, but there is no ordering guarantee between different event
// names. Wildcard subscriptions (e.g. "orders:*") are supported on the
// subscriber side.
//
// The fan-out shape is grounded on pkg/logger's subscriber-channel
// pattern, generalized from log lines to named events with a per-name
// delivery goroutine instead of an unordered broadcast.
package eventbus

import (
	"strings"
	"sync"
)

// Handler receives an emitted event's payload. A handler that panics is
// recovered and reported through the bus's error sink; it never
// interrupts delivery to other subscribers.
type Handler func(event string, payload any)

// ErrorSink receives panics recovered from subscriber handlers.
type ErrorSink func(event string, recovered any)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus is one event bus instance, owned by a Database.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	subs      []subscription
	queues    map[string]chan func()
	errorSink ErrorSink
}

// New creates an empty bus. errorSink may be nil, in which case panics
// from handlers are silently discarded (still recovered, never crash the
// bus).
func New(errorSink ErrorSink) *Bus {
	return &Bus{
		queues:    make(map[string]chan func()),
		errorSink: errorSink,
	}
}

// On subscribes handler to event, or to every event matching pattern if
// pattern contains "*" (e.g. "orders:*" matches "orders:after:insert";
// "*:after:*" matches every resource's after-events in one
// subscription, as plugins/replicator and plugins/metrics do). Returns
// a subscription id usable with Off.
func (b *Bus) On(pattern string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	return id
}

// Off removes a subscription by id.
func (b *Bus) Off(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit schedules delivery of payload to every subscriber matching event
// and returns immediately without waiting for handlers to run. Within a
// single event name, handlers run in emit order on a dedicated
// per-event-name goroutine; different event names may be delivered
// concurrently and make no ordering promise relative to each other.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()
	matching := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if matches(s.pattern, event) {
			matching = append(matching, s.handler)
		}
	}
	queue := b.queueLocked(event)
	b.mu.Unlock()

	if len(matching) == 0 {
		return
	}

	queue <- func() {
		for _, h := range matching {
			b.deliver(event, payload, h)
		}
	}
}

// queueLocked returns (creating if necessary) the ordered delivery queue
// for event, with its worker goroutine already running. Caller holds b.mu.
func (b *Bus) queueLocked(event string) chan func() {
	q, ok := b.queues[event]
	if ok {
		return q
	}
	q = make(chan func(), 1024)
	b.queues[event] = q
	go func() {
		for job := range q {
			job()
		}
	}()
	return q
}

func (b *Bus) deliver(event string, payload any, h Handler) {
	defer func() {
		if r := recover(); r != nil && b.errorSink != nil {
			b.errorSink(event, r)
		}
	}()
	h(event, payload)
}

// matches reports whether event satisfies pattern, where "*" in pattern
// matches any run of characters (including none) and may appear
// anywhere, any number of times — e.g. "orders:*", "*:after:insert", or
// "*:after:*" (used by plugins/replicator and plugins/metrics to match
// every resource's write events in one subscription).
func matches(pattern, event string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == event
	}
	segments := strings.Split(pattern, "*")

	first := segments[0]
	if !strings.HasPrefix(event, first) {
		return false
	}
	event = event[len(first):]

	last := segments[len(segments)-1]
	middle := segments[1 : len(segments)-1]

	for _, seg := range middle {
		idx := strings.Index(event, seg)
		if idx < 0 {
			return false
		}
		event = event[idx+len(seg):]
	}

	return strings.HasSuffix(event, last)
}
