// Package world implements the World lifecycle: new → open → start → run →
// stop → free. A World owns its execution contexts (kept under its ID in a
// shared executor.Registry) and the scheduler.Adapter its contexts register
// timers against, and enforces
// that timers are only ever created after the world has started and are
// always torn down before the world is freed.
package world

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dajobe/nqlstream/nql/event"
	"github.com/dajobe/nqlstream/nql/executor"
	"github.com/dajobe/nqlstream/nql/scheduler"
)

// State is a World's lifecycle stage.
type State int

const (
	StateNew State = iota
	StateOpened
	StateStarted
	StateRunning
	StateStopped
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOpened:
		return "opened"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Lifecycle violation sentinels. These wrap with the attempted/current
// state so callers and logs can tell exactly which transition was invalid.
var (
	ErrNotOpened      = errors.New("world: not opened")
	ErrAlreadyOpened  = errors.New("world: already opened")
	ErrNotStarted     = errors.New("world: not started")
	ErrAlreadyStarted = errors.New("world: already started")
	ErrStopped        = errors.New("world: stopped")
	ErrFreed          = errors.New("world: freed")
)

var nextID uint64

// World is one isolated execution environment: its own event-loop adapter,
// its own execution contexts (namespaced by its ID in a registry that may be
// shared with other worlds), its own event counters. Queries
// dispatched against two different Worlds never share buckets, correlation
// buffers, or timers even if the query text is identical.
type World struct {
	id       uint64
	mu       sync.Mutex
	state    State
	registry *executor.Registry
	adapter  *scheduler.Adapter
	emitFn   func(*event.Event)

	eventsProcessed   atomic.Int64
	eventsCorrelated  atomic.Int64
	eventsAggregated  atomic.Int64
	derivedEventsSent atomic.Int64
}

// New allocates a World bound to loop and registry. emit receives every
// derived event any of this world's contexts synthesizes (aggregation
// buckets, correlation joins, show projections); it may be nil to discard
// derived events, which is useful for tests that only care about Process's
// boolean match result.
func New(loop scheduler.Loop, registry *executor.Registry, emit func(*event.Event)) *World {
	id := atomic.AddUint64(&nextID, 1)
	return &World{
		id:       id,
		state:    StateNew,
		registry: registry,
		adapter:  scheduler.NewAdapter(loop),
		emitFn:   emit,
	}
}

// ID returns the world's process-unique identity, the key the registry
// namespaces execution contexts under.
func (w *World) ID() uint64 { return w.id }

// State reports the world's current lifecycle stage.
func (w *World) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Open binds the world's adapter into the registry, making it eligible to
// receive events (though no timer may be created until Start).
func (w *World) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateNew {
		return fmt.Errorf("world %d: open: %w (state=%s)", w.id, ErrAlreadyOpened, w.state)
	}
	w.registry.BindWorld(w.id, w.adapter)
	w.state = StateOpened
	return nil
}

// Start marks the world started. From this point on, any context this
// world dispatches through is permitted to register its window-flush or
// cleanup timer on the next matching event (lazily, never eagerly).
func (w *World) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateNew:
		return fmt.Errorf("world %d: start: %w", w.id, ErrNotOpened)
	case StateStarted, StateRunning:
		return fmt.Errorf("world %d: start: %w (state=%s)", w.id, ErrAlreadyStarted, w.state)
	case StateStopped:
		return fmt.Errorf("world %d: start: %w", w.id, ErrStopped)
	case StateFreed:
		return fmt.Errorf("world %d: start: %w", w.id, ErrFreed)
	}
	w.state = StateStarted
	return nil
}

// Run transitions a started world into its running state. Separating Run
// from Start lets an embedder finish wiring collaborators (sinks, extra
// queries) between "this world may now create timers" and "this world is
// now actively being driven by the event loop".
func (w *World) Run() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateNew, StateOpened:
		return fmt.Errorf("world %d: run: %w", w.id, ErrNotStarted)
	case StateRunning:
		return nil
	case StateStopped:
		return fmt.Errorf("world %d: run: %w", w.id, ErrStopped)
	case StateFreed:
		return fmt.Errorf("world %d: run: %w", w.id, ErrFreed)
	}
	w.state = StateRunning
	return nil
}

// Stop deregisters every timer this world's contexts hold — each via the
// two-phase Stop-then-Close sequence scheduler.Adapter.Cancel performs —
// and stops accepting events. It does so through Registry.FreeWorld, which
// also removes the world's contexts, so their bucket/buffer state is
// discarded. A stopped world may still be inspected (counters, registry
// stats) before Free releases it.
func (w *World) Stop() error {
	w.mu.Lock()
	if w.state == StateNew || w.state == StateOpened {
		w.mu.Unlock()
		return fmt.Errorf("world %d: stop: %w", w.id, ErrNotStarted)
	}
	if w.state == StateFreed {
		w.mu.Unlock()
		return fmt.Errorf("world %d: stop: %w", w.id, ErrFreed)
	}
	if w.state == StateStopped {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopped
	w.mu.Unlock()

	w.registry.FreeWorld(w.id)
	return nil
}

// Free releases the world permanently. Calling it on a world that was
// never Stopped first still tears its timers down (Free folds Stop's
// effect in), since leaking a timer past Free would otherwise outlive its
// owning World entirely.
func (w *World) Free() error {
	w.mu.Lock()
	if w.state == StateFreed {
		w.mu.Unlock()
		return fmt.Errorf("world %d: free: %w", w.id, ErrFreed)
	}
	needsStop := w.state != StateStopped
	w.state = StateFreed
	w.mu.Unlock()

	if needsStop {
		w.registry.FreeWorld(w.id)
	}
	return nil
}

// ProcessEvent dispatches src against evt through this world's registry.
// Events may be processed once the world is Opened — even before Start —
// so aggregate/correlate contexts can buffer and build up bucket/buffer
// state ahead of their timers ever existing.
func (w *World) ProcessEvent(src string, evt *event.Event) (bool, error) {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	switch state {
	case StateNew:
		return false, fmt.Errorf("world %d: process: %w", w.id, ErrNotOpened)
	case StateStopped:
		return false, fmt.Errorf("world %d: process: %w", w.id, ErrStopped)
	case StateFreed:
		return false, fmt.Errorf("world %d: process: %w", w.id, ErrFreed)
	}

	started := state == StateStarted || state == StateRunning
	matched, err := w.registry.Dispatch(w.id, src, evt, started, w.onDerivedEvent)
	if err != nil {
		return false, err
	}
	w.eventsProcessed.Add(1)
	return matched, nil
}

func (w *World) onDerivedEvent(evt *event.Event) {
	w.derivedEventsSent.Add(1)
	switch evt.Kind {
	case event.KindCorrelation:
		w.eventsCorrelated.Add(1)
	case event.KindAggregation:
		w.eventsAggregated.Add(1)
	}
	if w.emitFn != nil {
		w.emitFn(evt)
	}
}

// Stats is a snapshot of this world's event counters, for diagnostics.
type Stats struct {
	EventsProcessed  int64
	EventsCorrelated int64
	EventsAggregated int64
	DerivedEventsSent int64
}

// Stats reports the world's current counters.
func (w *World) Stats() Stats {
	return Stats{
		EventsProcessed:   w.eventsProcessed.Load(),
		EventsCorrelated:  w.eventsCorrelated.Load(),
		EventsAggregated:  w.eventsAggregated.Load(),
		DerivedEventsSent: w.derivedEventsSent.Load(),
	}
}
