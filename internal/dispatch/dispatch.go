// Package dispatch routes normalized stream events to waiting workflows.
//
// The stream layer pushes every normalized event into one Registry; entry
// and exit workflows register an Expectation and block on the returned
// channel. Events that arrive before anyone is waiting (an order can fill
// inside the submit round-trip) land in a bounded backlog that Register
// drains first, so an early fill is never lost to a late waiter.
package dispatch

import (
	"log/slog"
	"sync"

	"saxo-fx-bot/pkg/types"
)

// backlogLimit bounds undelivered events; the oldest is evicted first.
const backlogLimit = 100

// fillStatuses are the broker statuses that count as a fill confirmation.
var fillStatuses = map[string]bool{
	"filled":    true,
	"fill":      true,
	"finalfill": true,
}

// Expectation describes the event a workflow is waiting for. UIC always
// participates in matching; OrderID participates for order events only.
type Expectation struct {
	Kinds   []types.EventKind
	UIC     int
	OrderID string
}

func (e Expectation) matches(ev types.Event) bool {
	kindOK := false
	for _, k := range e.Kinds {
		if k == ev.Kind {
			kindOK = true
			break
		}
	}
	if !kindOK || ev.UIC != e.UIC {
		return false
	}
	switch ev.Kind {
	case types.EventOrderFill:
		return ev.OrderID == e.OrderID && fillStatuses[ev.Status]
	case types.EventOrderStatusChange:
		return ev.OrderID == e.OrderID
	case types.EventPositionClosed:
		return true
	}
	return false
}

type waiter struct {
	exp Expectation
	ch  chan types.Event
}

// Registry is the single waiter table shared by the stream reader and the
// trade workflows.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]*waiter
	backlog []types.Event
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		waiters: make(map[uint64]*waiter),
		logger:  logger.With("component", "dispatch"),
	}
}

// Register adds a waiter and returns a one-shot channel plus a cancel
// function. The backlog is checked first: a matching buffered event resolves
// the waiter immediately and is removed from the backlog. Cancel is safe to
// call regardless of whether the waiter resolved.
func (r *Registry) Register(exp Expectation) (<-chan types.Event, func()) {
	ch := make(chan types.Event, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, ev := range r.backlog {
		if exp.matches(ev) {
			r.backlog = append(r.backlog[:i], r.backlog[i+1:]...)
			ch <- ev
			return ch, func() {}
		}
	}

	id := r.nextID
	r.nextID++
	r.waiters[id] = &waiter{exp: exp, ch: ch}
	cancel := func() {
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
	}
	return ch, cancel
}

// Dispatch delivers an event to every matching waiter. With no waiter the
// event is buffered; the oldest buffered event is dropped once the backlog
// is full.
func (r *Registry) Dispatch(ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := false
	for id, w := range r.waiters {
		if w.exp.matches(ev) {
			w.ch <- ev
			delete(r.waiters, id)
			delivered = true
		}
	}
	if delivered {
		return
	}

	if len(r.backlog) >= backlogLimit {
		r.logger.Warn("event backlog full, dropping oldest", "dropped_kind", r.backlog[0].Kind)
		r.backlog = r.backlog[1:]
	}
	r.backlog = append(r.backlog, ev)
}

// Pending reports the number of registered waiters. Diagnostic only.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
