package aggregate

import (
	"testing"
	"time"

	"github.com/dajobe/nqlstream/nql/event"
	"github.com/dajobe/nqlstream/nql/parser"
	"github.com/dajobe/nqlstream/nql/query"
	"github.com/dajobe/nqlstream/nql/scheduler"
	"github.com/dajobe/nqlstream/nql/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLoop is a scheduler.Loop test double: Register records the request
// instead of starting a real ticker, and tests fire callbacks manually.
type fakeLoop struct {
	registered []fakeTimer
	nextID     scheduler.Handle
}

type fakeTimer struct {
	handle scheduler.Handle
	period time.Duration
	fn     func(now time.Time)
}

func (f *fakeLoop) Register(period time.Duration, fn func(now time.Time)) scheduler.Handle {
	f.nextID++
	f.registered = append(f.registered, fakeTimer{handle: f.nextID, period: period, fn: fn})
	return f.nextID
}

func (f *fakeLoop) Stop(h scheduler.Handle) {}

func (f *fakeLoop) Close(h scheduler.Handle) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func aggQuery(t *testing.T, src string) *query.AggregateQuery {
	t.Helper()
	q, err := parser.Parse(src)
	require.NoError(t, err)
	require.NotNil(t, q.Aggregate)
	return q.Aggregate
}

func logEvent(ts int64, payload value.Map) *event.Event {
	return event.New(event.KindLog, ts, nil, payload)
}

func TestNonWindowedAggregateEmitsImmediately(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(aggQuery(t, `aggregate count(), avg(network.latency_ms)`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ctx.Process(logEvent(1, value.Map{"network": value.Map{"latency_ms": 10.0}}), true)
	ctx.Process(logEvent(2, value.Map{"network": value.Map{"latency_ms": 20.0}}), true)

	require.Len(t, emitted, 2)
	metrics := emitted[1].Payload["metrics"].(value.Map)
	assert.EqualValues(t, 2, metrics["count"])
	assert.Empty(t, loop.registered, "unwindowed aggregate must never register a timer")
}

func TestGroupByProducesSeparateBuckets(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(aggQuery(t, `aggregate count() by log.service`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ctx.Process(logEvent(1, value.Map{"log": value.Map{"service": "api"}}), true)
	ctx.Process(logEvent(2, value.Map{"log": value.Map{"service": "db"}}), true)
	ctx.Process(logEvent(3, value.Map{"log": value.Map{"service": "api"}}), true)

	require.Len(t, emitted, 3)
	last := emitted[2].Payload
	group := last["group"].(value.Map)
	assert.Equal(t, "api", group["log.service"])
	metrics := last["metrics"].(value.Map)
	assert.EqualValues(t, 2, metrics["count"])
}

func TestTumblingWindowBuffersBeforeStart(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(aggQuery(t, `aggregate count() window tumbling(1s)`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ctx.Process(logEvent(1, value.Map{}), false)
	ctx.Process(logEvent(2, value.Map{}), false)
	ctx.Process(logEvent(3, value.Map{}), false)

	assert.Empty(t, emitted, "no emission before a flush timer can ever fire")
	assert.False(t, ctx.HasTimer(), "no timer may be created before the world starts")
	assert.Empty(t, loop.registered)
}

func TestTumblingWindowFlushesOnTimerAfterStart(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(aggQuery(t, `aggregate count() window tumbling(1s)`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ctx.Process(logEvent(0, value.Map{}), true)
	require.True(t, ctx.HasTimer())
	require.Len(t, loop.registered, 1)

	ctx.Process(logEvent(int64(500*time.Millisecond), value.Map{}), true)

	// Only one timer ever registered for this context.
	ctx.Process(logEvent(int64(600*time.Millisecond), value.Map{}), true)
	assert.Len(t, loop.registered, 1)

	// Simulate the flush timer firing after the window has elapsed.
	ctx.Flush(int64(2 * time.Second))

	require.Len(t, emitted, 1)
	metrics := emitted[0].Payload["metrics"].(value.Map)
	assert.EqualValues(t, 3, metrics["count"])

	win := emitted[0].Payload["window"].(value.Map)
	assert.NotNil(t, win["start_ns"])
	assert.NotNil(t, win["end_ns"])
}

func TestSessionWindowExtendsAndThenFlushes(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(aggQuery(t, `aggregate count() window session(1s)`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ctx.Process(logEvent(0, value.Map{}), true)
	ctx.Process(logEvent(int64(500*time.Millisecond), value.Map{}), true)

	// Still within the session's 1s timeout from the latest event.
	ctx.Flush(int64(900 * time.Millisecond))
	assert.Empty(t, emitted)

	// Past the timeout: flush and tear the bucket down.
	ctx.Flush(int64(2 * time.Second))
	require.Len(t, emitted, 1)
	metrics := emitted[0].Payload["metrics"].(value.Map)
	assert.EqualValues(t, 2, metrics["count"])

	// A later event under the same group key starts a brand-new session.
	ctx.Process(logEvent(int64(3*time.Second), value.Map{}), true)
	ctx.Flush(int64(5 * time.Second))
	require.Len(t, emitted, 2)
	metrics = emitted[1].Payload["metrics"].(value.Map)
	assert.EqualValues(t, 1, metrics["count"])
}

func TestPercentileUsesBoundedReservoir(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(aggQuery(t, `aggregate percentile(network.latency_ms, 50)`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	for i := 0; i < 2000; i++ {
		ctx.Process(logEvent(int64(i), value.Map{"network": value.Map{"latency_ms": float64(i)}}), true)
	}

	require.NotEmpty(t, emitted)
	last := emitted[len(emitted)-1].Payload["metrics"].(value.Map)
	assert.Contains(t, last, "p50_network.latency_ms")
	assert.Len(t, ctx.buckets[""].samples["network.latency_ms"], SampleReservoirSize)
}

func TestDistinctCountsUniqueValues(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(aggQuery(t, `aggregate distinct(log.service)`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ctx.Process(logEvent(1, value.Map{"log": value.Map{"service": "api"}}), true)
	ctx.Process(logEvent(2, value.Map{"log": value.Map{"service": "db"}}), true)
	ctx.Process(logEvent(3, value.Map{"log": value.Map{"service": "api"}}), true)

	last := emitted[len(emitted)-1].Payload["metrics"].(value.Map)
	assert.EqualValues(t, 2, last["distinct_log.service"])
}

func TestWhereFilterExcludesNonMatchingEvents(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(aggQuery(t, `aggregate count() where log.level == "ERROR"`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ok := ctx.Process(logEvent(1, value.Map{"log": value.Map{"level": "INFO"}}), true)
	assert.False(t, ok)
	assert.Empty(t, emitted)

	ok = ctx.Process(logEvent(2, value.Map{"log": value.Map{"level": "ERROR"}}), true)
	assert.True(t, ok)
	assert.Len(t, emitted, 1)
}
