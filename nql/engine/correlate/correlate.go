// Package correlate implements the correlation engine: a bidirectional,
// time-windowed join between two predicates over the same event stream.
package correlate

import (
	"time"

	"github.com/dajobe/nqlstream/nql/event"
	"github.com/dajobe/nqlstream/nql/query"
	"github.com/dajobe/nqlstream/nql/scheduler"
	"github.com/dajobe/nqlstream/nql/value"
)

// CleanupPeriod is the fixed cadence of the buffer-eviction timer.
const CleanupPeriod = time.Second

// entry is one accepted side of a correlation buffer.
type entry struct {
	ts      int64
	payload value.Map
}

// Context is the correlation engine's per-(world,query) runtime state: two
// ordered buffers (left, right) and a lazily-created cleanup timer.
type Context struct {
	Q     *query.CorrelateQuery
	left  []entry
	right []entry

	adapter     *scheduler.Adapter
	timerHandle *scheduler.Handle

	emit func(*event.Event)
}

// NewContext creates a correlation context bound to q. emit is called once
// per correlation result synthesized.
func NewContext(q *query.CorrelateQuery, adapter *scheduler.Adapter, emit func(*event.Event)) *Context {
	return &Context{Q: q, adapter: adapter, emit: emit}
}

// HasTimer reports whether the cleanup timer has been registered yet.
func (c *Context) HasTimer() bool {
	return c.timerHandle != nil
}

// Close deregisters the cleanup timer, if any.
func (c *Context) Close() {
	if c.timerHandle != nil {
		c.adapter.Cancel(*c.timerHandle)
		c.timerHandle = nil
	}
}

// Process evaluates evt against both side predicates. An event can match
// Left, Right, both, or neither; each match is joined against the opposite
// buffer's pre-existing entries (never against an entry this same call is
// about to add, which would self-join), then appended to its own buffer(s).
// started gates creation of the cleanup timer exactly like the aggregation
// engine's window-flush timer.
func (c *Context) Process(evt *event.Event, started bool) bool {
	matchedLeft := c.Q.Left != nil && c.Q.Left.Eval(evt.Payload)
	matchedRight := c.Q.Right != nil && c.Q.Right.Eval(evt.Payload)
	if !matchedLeft && !matchedRight {
		return false
	}

	withinNs := c.Q.WithinMs * int64(time.Millisecond)
	nowNs := evt.Timestamp

	var rightMatches, leftMatches []entry
	if matchedLeft {
		rightMatches = scan(c.right, nowNs, withinNs)
	}
	if matchedRight {
		leftMatches = scan(c.left, nowNs, withinNs)
	}

	payload := value.Clone(evt.Payload)
	for _, r := range rightMatches {
		c.emitCorrelation(payload, r.payload, nowNs, r.ts)
	}
	for _, l := range leftMatches {
		c.emitCorrelation(l.payload, payload, l.ts, nowNs)
	}

	if matchedLeft {
		c.left = append(c.left, entry{ts: nowNs, payload: payload})
	}
	if matchedRight {
		c.right = append(c.right, entry{ts: nowNs, payload: payload})
	}

	if started && c.timerHandle == nil {
		h := c.adapter.ScheduleRepeating(CleanupPeriod, func(now time.Time) {
			c.Cleanup(now.UnixNano())
		})
		c.timerHandle = &h
	}

	return true
}

func scan(buf []entry, nowNs, withinNs int64) []entry {
	var matches []entry
	for _, e := range buf {
		delta := nowNs - e.ts
		if delta < 0 {
			delta = -delta
		}
		if delta <= withinNs {
			matches = append(matches, e)
		}
	}
	return matches
}

// Cleanup is the eviction timer callback: entries older than twice the join
// window can no longer participate in any future match and are dropped,
// keeping both buffers bounded.
func (c *Context) Cleanup(nowNs int64) {
	maxAgeNs := 2 * c.Q.WithinMs * int64(time.Millisecond)
	c.left = evictOlderThan(c.left, nowNs, maxAgeNs)
	c.right = evictOlderThan(c.right, nowNs, maxAgeNs)
}

func evictOlderThan(buf []entry, nowNs, maxAgeNs int64) []entry {
	kept := buf[:0]
	for _, e := range buf {
		if nowNs-e.ts <= maxAgeNs {
			kept = append(kept, e)
		}
	}
	return kept
}

func (c *Context) emitCorrelation(left, right value.Map, leftTs, rightTs int64) {
	if c.emit == nil {
		return
	}
	deltaNs := leftTs - rightTs
	payload := value.Map{
		"nql_result_type": "correlation",
		"window_ms":       c.Q.WithinMs,
		"left_event":      left,
		"right_event":     right,
		"time_diff_ms":    float64(deltaNs) / float64(time.Millisecond),
	}
	resultTs := leftTs
	if rightTs > resultTs {
		resultTs = rightTs
	}
	c.emit(event.New(event.KindCorrelation, resultTs, nil, payload))
}
