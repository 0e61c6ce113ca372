// Package event defines the Event record that flows through the runtime:
// an immutable-per-delivery, reference-counted record with a typed Kind and
// a structured payload.
package event

import (
	"sync/atomic"
	"time"

	"github.com/dajobe/nqlstream/nql/value"
)

// Kind classifies an Event's origin or purpose.
type Kind int

const (
	KindLog Kind = iota
	KindNetwork
	KindCorrelation
	KindAggregation
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "LOG"
	case KindNetwork:
		return "NETWORK"
	case KindCorrelation:
		return "CORRELATION"
	case KindAggregation:
		return "AGGREGATION"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Source identifies the adapter an event came from. Source adapters are
// external collaborators; the runtime only needs a stable name to log and
// attribute events back to, not a live handle.
type Source interface {
	Name() string
}

// Event is an immutable-per-delivery record. Events are shared by reference
// under a reference-count discipline: Clone increments a shared counter,
// Free decrements it, and the payload is released only at zero. Apart from
// Free clearing Payload on the header it is called on once the count reaches
// zero, the struct fields are never mutated after construction — producing a
// "mutated" event means building a fresh Event with a fresh Payload (see
// value.Clone), never writing through a shared one.
type Event struct {
	Kind      Kind
	Timestamp int64 // monotonic wall-clock nanoseconds
	Source    Source
	Payload   value.Map

	refs *atomic.Int32
}

// New constructs an Event with a fresh single reference.
func New(kind Kind, ts int64, source Source, payload value.Map) *Event {
	refs := &atomic.Int32{}
	refs.Store(1)
	return &Event{Kind: kind, Timestamp: ts, Source: source, Payload: payload, refs: refs}
}

// Now constructs an Event stamped with the current wall-clock time.
func Now(kind Kind, source Source, payload value.Map) *Event {
	return New(kind, time.Now().UnixNano(), source, payload)
}

// Clone increments the reference count and returns a new *Event header
// sharing the same payload and counter, for any caller that retains an
// event beyond its delivery callback.
func (e *Event) Clone() *Event {
	e.refs.Add(1)
	return &Event{Kind: e.Kind, Timestamp: e.Timestamp, Source: e.Source, Payload: e.Payload, refs: e.refs}
}

// Free decrements the reference count. At zero, the payload reference is
// dropped so it can be garbage collected; Free is idempotent-safe to call
// at most once per Clone/New, mirroring a conventional ref-count discipline.
func (e *Event) Free() {
	if e.refs.Add(-1) <= 0 {
		e.Payload = nil
	}
}

// RefCount reports the current share count, for tests and diagnostics.
func (e *Event) RefCount() int32 {
	return e.refs.Load()
}
