package correlate

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

func corrQuery(t *testing.T, src string) *query.CorrelateQuery {
	t.Helper()
	q, err := parser.Parse(src)
	require.NoError(t, err)
	require.NotNil(t, q.Correlate)
	return q.Correlate
}

func evt(ts int64, payload value.Map) *event.Event {
	return event.New(event.KindLog, ts, nil, payload)
}

func TestCorrelateJoinsWithinWindow(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(corrQuery(t, `correlate log.level == "ERROR" with network.dst_port == 3306 within 100ms`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ctx.Process(evt(0, value.Map{"log": value.Map{"level": "ERROR"}}), true)
	rightTs := int64(50 * time.Millisecond)
	ctx.Process(evt(rightTs, value.Map{"network": value.Map{"dst_port": int64(3306)}}), true)

	require.Len(t, emitted, 1)
	payload := emitted[0].Payload
	assert.Equal(t, "correlation", payload["nql_result_type"])
	assert.Equal(t, int64(100), payload["window_ms"])
	assert.InDelta(t, -50.0, payload["time_diff_ms"], 0.001)
	leftEvent, ok := payload["left_event"].(value.Map)
	require.True(t, ok)
	assert.Equal(t, "ERROR", leftEvent["log"].(value.Map)["level"])
	rightEvent, ok := payload["right_event"].(value.Map)
	require.True(t, ok)
	assert.EqualValues(t, 3306, rightEvent["network"].(value.Map)["dst_port"])
	// Result timestamp is max(left.ts, right.ts), not wall-clock emission time.
	assert.Equal(t, rightTs, emitted[0].Timestamp)
}

func TestCorrelateIgnoresJoinsOutsideWindow(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(corrQuery(t, `correlate log.level == "ERROR" with network.dst_port == 3306 within 100ms`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ctx.Process(evt(0, value.Map{"log": value.Map{"level": "ERROR"}}), true)
	ctx.Process(evt(int64(500*time.Millisecond), value.Map{"network": value.Map{"dst_port": int64(3306)}}), true)

	assert.Empty(t, emitted)
}

func TestCorrelateOrderIndependent(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(corrQuery(t, `correlate log.level == "ERROR" with network.dst_port == 3306 within 100ms`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	// Right-matching event arrives first this time.
	ctx.Process(evt(0, value.Map{"network": value.Map{"dst_port": int64(3306)}}), true)
	ctx.Process(evt(int64(50*time.Millisecond), value.Map{"log": value.Map{"level": "ERROR"}}), true)

	require.Len(t, emitted, 1)
}

func TestCorrelateNeverSelfJoinsOneEvent(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	// A predicate pair loose enough that a single event could satisfy both
	// sides; it must not be joined against itself.
	ctx := NewContext(corrQuery(t, `correlate log.level == "ERROR" with log.level == "ERROR" within 100ms`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ctx.Process(evt(0, value.Map{"log": value.Map{"level": "ERROR"}}), true)
	assert.Empty(t, emitted)

	ctx.Process(evt(int64(10*time.Millisecond), value.Map{"log": value.Map{"level": "ERROR"}}), true)
	assert.Len(t, emitted, 2) // second event joins against the first from both directions
}

func TestCorrelateLazyTimerInvariant(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	ctx := NewContext(corrQuery(t, `correlate log.level == "ERROR" with network.dst_port == 3306 within 100ms`), adapter, nil)

	ctx.Process(evt(0, value.Map{"log": value.Map{"level": "ERROR"}}), false)
	assert.False(t, ctx.HasTimer())
	assert.Empty(t, loop.registered)

	ctx.Process(evt(1, value.Map{"log": value.Map{"level": "ERROR"}}), true)
	assert.True(t, ctx.HasTimer())
	require.Len(t, loop.registered, 1)

	ctx.Process(evt(2, value.Map{"log": value.Map{"level": "ERROR"}}), true)
	assert.Len(t, loop.registered, 1, "at most one timer per context")
}

func TestCleanupEvictsEntriesOlderThanTwiceWindow(t *testing.T) {
	loop := &fakeLoop{}
	adapter := scheduler.NewAdapter(loop)
	var emitted []*event.Event
	ctx := NewContext(corrQuery(t, `correlate log.level == "ERROR" with network.dst_port == 3306 within 100ms`), adapter, func(e *event.Event) {
		emitted = append(emitted, e)
	})

	ctx.Process(evt(0, value.Map{"log": value.Map{"level": "ERROR"}}), true)
	require.Len(t, ctx.left, 1)

	// 2 * 100ms = 200ms; well past eviction at 1s.
	ctx.Cleanup(int64(time.Second))
	assert.Empty(t, ctx.left)

	// A right-side event long after cleanup must find nothing to join.
	ctx.Process(evt(int64(time.Second)+int64(10*time.Millisecond), value.Map{"network": value.Map{"dst_port": int64(3306)}}), true)
	assert.Empty(t, emitted)
}
