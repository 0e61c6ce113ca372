// Package aggregate implements the aggregation engine: group-by buckets,
// accumulators, and window lifecycle. A Context owns exactly the bucket
// set and timer for one (world, query) pair.
package aggregate

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/dajobe/nqlstream/nql/event"
	"github.com/dajobe/nqlstream/nql/query"
	"github.com/dajobe/nqlstream/nql/scheduler"
	"github.com/dajobe/nqlstream/nql/value"
)

// SampleReservoirSize bounds the number of raw samples a bucket keeps for
// percentile computation. An unbounded sample list is a memory hazard under
// sustained load; this reservoir caps it.
const SampleReservoirSize = 1024

// MaxDistinctCardinality bounds a DISTINCT accumulator's set size. Once hit,
// further inserts are dropped for that update. Go has no recoverable
// allocation-failure signal (the runtime panics rather than returning an
// error), so this cap is this implementation's stand-in for refusing an
// update that would otherwise grow unbounded; see DESIGN.md.
const MaxDistinctCardinality = 100_000

// Bucket is the per-group-key accumulator.
type Bucket struct {
	GroupKey    string
	GroupValues value.Map // group-by field -> value, for the emitted event

	Count int64

	sums       map[string]float64
	sumSquares map[string]float64
	mins       map[string]float64
	maxs       map[string]float64
	distinct   map[string]map[string]struct{}
	samples    map[string][]float64
	sampleSeen map[string]int64 // total values observed, for reservoir replacement

	WindowStartNs int64
	WindowEndNs   int64 // math.MaxInt64 for an unbounded (WindowNone) bucket
}

func newBucket(key string, groupValues value.Map, nowNs int64, win query.Window) *Bucket {
	b := &Bucket{
		GroupKey:    key,
		GroupValues: groupValues,
		sums:        make(map[string]float64),
		sumSquares:  make(map[string]float64),
		mins:        make(map[string]float64),
		maxs:        make(map[string]float64),
		distinct:    make(map[string]map[string]struct{}),
		samples:     make(map[string][]float64),
		sampleSeen:  make(map[string]int64),
	}
	b.WindowStartNs = nowNs
	switch win.Kind {
	case query.WindowNone:
		b.WindowEndNs = math.MaxInt64
	case query.WindowTumbling, query.WindowSliding:
		b.WindowEndNs = nowNs + win.SizeMs*int64(time.Millisecond)
	case query.WindowSession:
		b.WindowEndNs = nowNs + win.TimeoutMs*int64(time.Millisecond)
	}
	return b
}

func (b *Bucket) reset(nowNs int64, win query.Window) {
	b.Count = 0
	b.sums = make(map[string]float64)
	b.sumSquares = make(map[string]float64)
	b.mins = make(map[string]float64)
	b.maxs = make(map[string]float64)
	b.distinct = make(map[string]map[string]struct{})
	b.samples = make(map[string][]float64)
	b.sampleSeen = make(map[string]int64)
	b.WindowStartNs = nowNs
	if win.Kind == query.WindowTumbling || win.Kind == query.WindowSliding {
		b.WindowEndNs = nowNs + win.SizeMs*int64(time.Millisecond)
	}
}

// Context is the aggregation engine's per-(world,query) runtime state.
type Context struct {
	Q       *query.AggregateQuery
	buckets map[string]*Bucket

	adapter     *scheduler.Adapter
	timerHandle *scheduler.Handle

	emit func(*event.Event)
}

// NewContext creates an aggregation context bound to q. emit is called once
// per result event the engine synthesizes.
func NewContext(q *query.AggregateQuery, adapter *scheduler.Adapter, emit func(*event.Event)) *Context {
	return &Context{
		Q:       q,
		buckets: make(map[string]*Bucket),
		adapter: adapter,
		emit:    emit,
	}
}

// HasTimer reports whether this context has registered a window-flush
// timer yet — used by tests asserting the lazy-timer invariant.
func (c *Context) HasTimer() bool {
	return c.timerHandle != nil
}

// Close deregisters this context's timer, if any. The executor calls this
// when the owning world tears down.
func (c *Context) Close() {
	if c.timerHandle != nil {
		c.adapter.Cancel(*c.timerHandle)
		c.timerHandle = nil
	}
}

// Process evaluates evt against the context's where-filter, updates the
// matching bucket's accumulators, and — for an unwindowed aggregate —
// synthesizes and emits a result event immediately. started indicates
// whether the owning world has entered the started state; the window-flush
// timer is registered lazily, on the first event processed after started
// becomes true, never before.
func (c *Context) Process(evt *event.Event, started bool) bool {
	if c.Q.Where != nil && !c.Q.Where.Eval(evt.Payload) {
		return false
	}

	nowNs := evt.Timestamp
	key, groupValues := c.groupKey(evt.Payload)

	bucket, ok := c.buckets[key]
	if !ok {
		bucket = newBucket(key, groupValues, nowNs, c.Q.Window)
		c.buckets[key] = bucket
	}

	accepted := true
	for _, fn := range c.Q.Funcs {
		if !c.applyFunc(bucket, fn, evt.Payload) {
			accepted = false
		}
	}

	if c.Q.Window.Kind == query.WindowSession {
		bucket.WindowEndNs = nowNs + c.Q.Window.TimeoutMs*int64(time.Millisecond)
	}

	if c.Q.Window.Kind == query.WindowNone {
		c.emitResult(bucket, false)
	} else if started && c.timerHandle == nil {
		c.registerTimer()
	}

	return accepted
}

func (c *Context) groupKey(m value.Map) (string, value.Map) {
	if len(c.Q.GroupBy) == 0 {
		return "", nil
	}
	groupValues := make(value.Map, len(c.Q.GroupBy))
	for _, f := range c.Q.GroupBy {
		v, ok := value.Lookup(m, f)
		if ok {
			groupValues[f] = v
		} else {
			groupValues[f] = nil
		}
	}
	return value.GroupKey(m, c.Q.GroupBy), groupValues
}

func (c *Context) applyFunc(b *Bucket, fn query.AggFunc, m value.Map) bool {
	switch fn.Kind {
	case query.AggCount:
		b.Count++
		return true
	case query.AggSum, query.AggAvg:
		f, ok := numericField(m, fn.Field)
		if !ok {
			return false
		}
		b.sums[fn.Field] += f
		b.sumSquares[fn.Field] += f * f
		updateMinMax(b, fn.Field, f)
		return true
	case query.AggMin, query.AggMax:
		f, ok := numericField(m, fn.Field)
		if !ok {
			return false
		}
		updateMinMax(b, fn.Field, f)
		return true
	case query.AggPercentile:
		f, ok := numericField(m, fn.Field)
		if !ok {
			return false
		}
		return reservoirAdd(b, fn.Field, f)
	case query.AggDistinct:
		v, ok := value.Lookup(m, fn.Field)
		formatted := value.Format(v, ok)
		set, exists := b.distinct[fn.Field]
		if !exists {
			set = make(map[string]struct{})
			b.distinct[fn.Field] = set
		}
		if _, already := set[formatted]; !already {
			if len(set) >= MaxDistinctCardinality {
				return false
			}
			set[formatted] = struct{}{}
		}
		return true
	default:
		return false
	}
}

func numericField(m value.Map, field string) (float64, bool) {
	v, ok := value.Lookup(m, field)
	if !ok {
		return 0, false
	}
	return value.AsFloat(v)
}

func updateMinMax(b *Bucket, field string, f float64) {
	if cur, ok := b.mins[field]; !ok || f < cur {
		b.mins[field] = f
	}
	if cur, ok := b.maxs[field]; !ok || f > cur {
		b.maxs[field] = f
	}
}

// reservoirAdd keeps at most SampleReservoirSize samples: the first N
// samples are kept outright; thereafter sample i (0-indexed) always replaces
// slot i mod N, cycling through the slots (see deterministicSlot).
func reservoirAdd(b *Bucket, field string, f float64) bool {
	samples := b.samples[field]
	seen := b.sampleSeen[field]
	if int64(len(samples)) < SampleReservoirSize {
		samples = append(samples, f)
		b.samples[field] = samples
	} else {
		j := deterministicSlot(seen, SampleReservoirSize)
		if j < SampleReservoirSize {
			samples[j] = f
		}
	}
	b.sampleSeen[field] = seen + 1
	return true
}

// deterministicSlot picks a reservoir replacement slot without reaching for
// math/rand, keeping the aggregation engine's output deterministic given a
// fixed input stream (useful for tests); it cycles through slots rather than
// sampling uniformly, which is a documented approximation — percentiles over
// unbounded data are approximate by nature here.
func deterministicSlot(seen int64, capacity int) int {
	return int(seen % int64(capacity))
}

func (c *Context) registerTimer() {
	period := windowPeriod(c.Q.Window)
	if period <= 0 {
		return
	}
	h := c.adapter.ScheduleRepeating(period, func(now time.Time) {
		c.Flush(now.UnixNano())
	})
	c.timerHandle = &h
}

func windowPeriod(w query.Window) time.Duration {
	switch w.Kind {
	case query.WindowTumbling:
		return time.Duration(w.SizeMs) * time.Millisecond
	case query.WindowSliding:
		if w.SlideMs > 0 {
			return time.Duration(w.SlideMs) * time.Millisecond
		}
		return time.Duration(w.SizeMs) * time.Millisecond
	case query.WindowSession:
		// Flush-check cadence; the window itself is re-extended on every
		// accepted event regardless of when this timer last fired.
		return time.Duration(w.TimeoutMs) * time.Millisecond
	default:
		return 0
	}
}

// Flush is the window-flush timer callback: every bucket whose window has
// ended gets a result event, its accumulators reset (or, for session
// windows, is removed so the next matching event starts a fresh session).
func (c *Context) Flush(nowNs int64) {
	var toDelete []string
	for key, b := range c.buckets {
		switch c.Q.Window.Kind {
		case query.WindowTumbling, query.WindowSliding:
			if b.WindowEndNs <= nowNs {
				c.emitResult(b, true)
				b.reset(nowNs, c.Q.Window)
			}
		case query.WindowSession:
			if nowNs > b.WindowEndNs {
				c.emitResult(b, true)
				toDelete = append(toDelete, key)
			}
		}
	}
	for _, key := range toDelete {
		delete(c.buckets, key)
	}
}

// emitResult synthesizes and emits an AGGREGATION event from b's current
// accumulator state.
func (c *Context) emitResult(b *Bucket, windowed bool) {
	if c.emit == nil {
		return
	}

	metrics := value.Map{"count": b.Count}
	for _, fn := range c.Q.Funcs {
		switch fn.Kind {
		case query.AggSum:
			metrics[fn.Field] = b.sums[fn.Field]
		case query.AggAvg:
			if b.Count > 0 {
				metrics["avg_"+fn.Field] = b.sums[fn.Field] / float64(b.Count)
			} else {
				metrics["avg_"+fn.Field] = 0.0
			}
		case query.AggMin:
			metrics["min_"+fn.Field] = minOrZero(b.mins, fn.Field)
		case query.AggMax:
			metrics["max_"+fn.Field] = maxOrZero(b.maxs, fn.Field)
		case query.AggPercentile:
			metrics["p"+trimTrailingZero(fn.Percentile)+"_"+fn.Field] = percentileOf(b.samples[fn.Field], fn.Percentile)
		case query.AggDistinct:
			metrics["distinct_"+fn.Field] = len(b.distinct[fn.Field])
		}
	}

	payload := value.Map{
		"nql_result_type": "aggregation",
		"metrics":         metrics,
	}
	if len(c.Q.GroupBy) > 0 {
		payload["group"] = b.GroupValues
	}
	if c.Q.Window.Kind != query.WindowNone {
		payload["window"] = value.Map{
			"start_ns": b.WindowStartNs,
			"end_ns":   b.WindowEndNs,
		}
	}

	c.emit(event.Now(event.KindAggregation, nil, payload))
}

func minOrZero(m map[string]float64, field string) float64 {
	if v, ok := m[field]; ok {
		return v
	}
	return 0
}

func maxOrZero(m map[string]float64, field string) float64 {
	if v, ok := m[field]; ok {
		return v
	}
	return 0
}

func trimTrailingZero(p float64) string {
	s := strconv.FormatFloat(p, 'f', -1, 64)
	return s
}

// percentileOf sorts samples ascending and picks index floor(p/100 * n)
// clamped to n-1.
func percentileOf(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(math.Floor(p / 100 * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
