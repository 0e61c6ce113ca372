// Package executor dispatches events to the per-query engines (aggregate,
// correlate) and bare predicate evaluation (filter, show), keyed by a
// (world, query-string) execution context registry, with a parsed-query
// cache sitting in front of the parser.
package executor

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/dajobe/nqlstream/nql/engine/aggregate"
	"github.com/dajobe/nqlstream/nql/engine/correlate"
	"github.com/dajobe/nqlstream/nql/event"
	"github.com/dajobe/nqlstream/nql/parser"
	"github.com/dajobe/nqlstream/nql/query"
	"github.com/dajobe/nqlstream/nql/scheduler"
	"github.com/dajobe/nqlstream/nql/value"
)

// ContextID identifies one registered (world, query) execution context.
type ContextID uint64

// Stage is the runtime counterpart of a single query.Query node: it knows
// how to process one event. In a Pipeline every stage receives the same
// input event; a stage's derived events go to emit, not to the next stage.
type Stage interface {
	// Process evaluates evt against this stage. started indicates whether
	// the owning world has entered the started lifecycle state, gating
	// lazy timer creation in window/cleanup-bearing stages.
	Process(evt *event.Event, started bool) bool
	Close()
}

// filterStage evaluates a bare predicate; it emits nothing — Process's
// boolean result is the match itself, which a pipeline uses to decide
// whether later stages run.
type filterStage struct {
	q *query.FilterQuery
}

func (f *filterStage) Process(evt *event.Event, started bool) bool {
	return f.q.Predicate.Eval(evt.Payload)
}
func (f *filterStage) Close() {}

// showStage evaluates an optional where-clause and, on match, emits a
// projected event containing only the requested fields (or the whole
// payload for `show *`).
type showStage struct {
	q    *query.ShowQuery
	emit func(*event.Event)
}

func (s *showStage) Process(evt *event.Event, started bool) bool {
	if s.q.Where != nil && !s.q.Where.Eval(evt.Payload) {
		return false
	}
	if s.emit == nil {
		return true
	}
	var payload value.Map
	if s.q.SelectAll {
		payload = value.Clone(evt.Payload)
	} else {
		payload = make(value.Map, len(s.q.Fields))
		for _, f := range s.q.Fields {
			if v, ok := value.Lookup(evt.Payload, f); ok {
				payload[f] = v
			}
		}
	}
	s.emit(event.New(evt.Kind, evt.Timestamp, evt.Source, payload))
	return true
}
func (s *showStage) Close() {}

type aggregateStage struct {
	ctx *aggregate.Context
}

func (a *aggregateStage) Process(evt *event.Event, started bool) bool {
	return a.ctx.Process(evt, started)
}
func (a *aggregateStage) Close() { a.ctx.Close() }

type correlateStage struct {
	ctx *correlate.Context
}

func (c *correlateStage) Process(evt *event.Event, started bool) bool {
	return c.ctx.Process(evt, started)
}
func (c *correlateStage) Close() { c.ctx.Close() }

// pipelineStage chains stages; a non-matching stage halts the pipeline for
// that event (short-circuit), matching how filter/show stages are meant to
// compose upstream of an aggregate or correlate.
type pipelineStage struct {
	stages []Stage
}

func (p *pipelineStage) Process(evt *event.Event, started bool) bool {
	for _, s := range p.stages {
		if !s.Process(evt, started) {
			return false
		}
	}
	return true
}
func (p *pipelineStage) Close() {
	for _, s := range p.stages {
		s.Close()
	}
}

// buildStage constructs the runtime Stage tree for an AST node. emit is
// threaded down to every stage that can synthesize a derived event
// (show, aggregate, correlate). correlationEnabled mirrors the
// correlation.enabled configuration key; a correlate node is refused rather
// than built when it is false.
func buildStage(q *query.Query, adapter *scheduler.Adapter, emit func(*event.Event), correlationEnabled bool) (Stage, error) {
	switch q.Kind() {
	case query.KindFilter:
		return &filterStage{q: q.Filter}, nil
	case query.KindShow:
		return &showStage{q: q.Show, emit: emit}, nil
	case query.KindAggregate:
		return &aggregateStage{ctx: aggregate.NewContext(q.Aggregate, adapter, emit)}, nil
	case query.KindCorrelate:
		if !correlationEnabled {
			return nil, fmt.Errorf("executor: correlate disabled by configuration")
		}
		return &correlateStage{ctx: correlate.NewContext(q.Correlate, adapter, emit)}, nil
	case query.KindPipeline:
		stages := make([]Stage, len(q.Pipeline))
		for i, sub := range q.Pipeline {
			st, err := buildStage(sub, adapter, emit, correlationEnabled)
			if err != nil {
				return nil, err
			}
			stages[i] = st
		}
		return &pipelineStage{stages: stages}, nil
	default:
		return nil, fmt.Errorf("executor: unrecognized query kind %v", q.Kind())
	}
}

// planEntry is one cached parse result.
type planEntry struct {
	query *query.Query
	elem  *list.Element // position in the LRU list
}

// PlanCache memoizes Parse by query string behind an LRU eviction policy, so
// re-dispatching the same query text (the common case — one query string,
// many events) never re-lexes or re-parses. Bounded size, LRU eviction,
// hit/miss counters.
type PlanCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*planEntry
	order    *list.List // front = most recently used

	Hits   int64
	Misses int64
}

// NewPlanCache creates a cache holding at most capacity parsed queries.
func NewPlanCache(capacity int) *PlanCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &PlanCache{
		capacity: capacity,
		entries:  make(map[string]*planEntry),
		order:    list.New(),
	}
}

// Parse returns the cached AST for src, parsing and caching it on a miss.
func (c *PlanCache) Parse(src string) (*query.Query, error) {
	c.mu.Lock()
	if e, ok := c.entries[src]; ok {
		c.Hits++
		c.order.MoveToFront(e.elem)
		c.mu.Unlock()
		return e.query, nil
	}
	c.Misses++
	c.mu.Unlock()

	q, err := parser.Parse(src)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[src]; ok {
		// Lost a race with a concurrent parse of the same string.
		c.order.MoveToFront(e.elem)
		return e.query, nil
	}
	elem := c.order.PushFront(src)
	c.entries[src] = &planEntry{query: q, elem: elem}
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(string))
		}
	}
	return q, nil
}

// registryKey is the (world, query-string) pair the registry enforces
// uniqueness over.
type registryKey struct {
	world uint64
	query string
}

type registered struct {
	id    ContextID
	stage Stage
}

// Registry owns every live execution context across every world. One
// Registry is shared process-wide; each World holds a reference to it and
// tags its contexts with its own numeric identity.
type Registry struct {
	mu                 sync.Mutex
	cache              *PlanCache
	byKey              map[registryKey]*registered
	byID               map[ContextID]registryKey
	nextID             ContextID
	adapters           map[uint64]*scheduler.Adapter
	correlationEnabled bool
}

// NewRegistry creates an empty registry backed by a plan cache of the given
// capacity (0 selects PlanCache's default). Correlation is enabled by
// default; call SetCorrelationEnabled to apply a loaded configuration.
func NewRegistry(planCacheCapacity int) *Registry {
	return &Registry{
		cache:              NewPlanCache(planCacheCapacity),
		byKey:              make(map[registryKey]*registered),
		byID:               make(map[ContextID]registryKey),
		adapters:           make(map[uint64]*scheduler.Adapter),
		correlationEnabled: true,
	}
}

// SetCorrelationEnabled toggles whether a correlate query may be built,
// mirroring the correlation.enabled configuration key. It affects only
// contexts built after the call; already-registered correlate contexts keep
// running.
func (r *Registry) SetCorrelationEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.correlationEnabled = enabled
}

// Dispatch routes src's parsed AST to evt's matching stage, creating it on
// first use. It returns the stage's match result (false for a non-matching
// filter/show, or the aggregate/correlate engine's acceptance result).
func (r *Registry) Dispatch(worldID uint64, src string, evt *event.Event, started bool, emit func(*event.Event)) (bool, error) {
	stage, err := r.ContextFor(worldID, src, emit)
	if err != nil {
		return false, err
	}
	return stage.Process(evt, started), nil
}

// ContextFor returns the Stage for (worldID, src), building it on first
// request. adapter is supplied once, at world-registration time, via
// BindWorld; calling ContextFor for a world that was never bound (or was
// already freed) returns an error.
func (r *Registry) ContextFor(worldID uint64, src string, emit func(*event.Event)) (Stage, error) {
	key := registryKey{world: worldID, query: src}

	r.mu.Lock()
	if reg, ok := r.byKey[key]; ok {
		r.mu.Unlock()
		return reg.stage, nil
	}
	adapter, ok := r.adapters[worldID]
	correlationEnabled := r.correlationEnabled
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("executor: world %d not bound to registry", worldID)
	}

	q, err := r.cache.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("executor: parse query: %w", err)
	}
	stage, err := buildStage(q, adapter, emit, correlationEnabled)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.byKey[key]; ok {
		// Another goroutine built this context first; ours is unused and
		// its engines (if any) never had a timer registered, so it is safe
		// to simply discard.
		return reg.stage, nil
	}
	r.nextID++
	id := r.nextID
	reg := &registered{id: id, stage: stage}
	r.byKey[key] = reg
	r.byID[id] = key
	return stage, nil
}

// BindWorld associates worldID with the scheduler.Adapter its contexts
// should register timers against. Must be called once before any Dispatch
// for that world.
func (r *Registry) BindWorld(worldID uint64, adapter *scheduler.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[worldID] = adapter
}

// FreeWorld closes and removes every context owned by worldID, and unbinds
// its adapter. Closing a context cancels its timer, so this is how a world's
// timers are deregistered during teardown.
func (r *Registry) FreeWorld(worldID uint64) {
	r.mu.Lock()
	var toClose []Stage
	for key, reg := range r.byKey {
		if key.world != worldID {
			continue
		}
		toClose = append(toClose, reg.stage)
		delete(r.byKey, key)
		delete(r.byID, reg.id)
	}
	delete(r.adapters, worldID)
	r.mu.Unlock()

	for _, s := range toClose {
		s.Close()
	}
}

// Stats reports plan cache hit/miss counters, for diagnostics.
func (r *Registry) Stats() (hits, misses int64) {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	return r.cache.Hits, r.cache.Misses
}
