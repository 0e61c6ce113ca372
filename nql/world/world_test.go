package world

import (
	"testing"
	"time"

	"github.com/dajobe/nqlstream/nql/event"
	"github.com/dajobe/nqlstream/nql/executor"
	"github.com/dajobe/nqlstream/nql/scheduler"
	"github.com/dajobe/nqlstream/nql/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLoop struct{}

func (noopLoop) Register(period time.Duration, fn func(now time.Time)) scheduler.Handle { return 1 }
func (noopLoop) Stop(h scheduler.Handle)                                                {}
func (noopLoop) Close(h scheduler.Handle) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func newTestWorld(emit func(*event.Event)) *World {
	return New(noopLoop{}, executor.NewRegistry(0), emit)
}

func TestLifecycleRejectsOutOfOrderTransitions(t *testing.T) {
	w := newTestWorld(nil)

	assert.ErrorIs(t, w.Start(), ErrNotOpened)
	assert.ErrorIs(t, w.Run(), ErrNotStarted)

	require.NoError(t, w.Open())
	assert.ErrorIs(t, w.Open(), ErrAlreadyOpened)

	assert.ErrorIs(t, w.Run(), ErrNotStarted)

	require.NoError(t, w.Start())
	assert.ErrorIs(t, w.Start(), ErrAlreadyStarted)

	require.NoError(t, w.Run())
	require.NoError(t, w.Run()) // idempotent

	require.NoError(t, w.Stop())
	assert.ErrorIs(t, w.Start(), ErrStopped)

	require.NoError(t, w.Free())
	assert.ErrorIs(t, w.Free(), ErrFreed)
}

func TestProcessEventAllowedWhileOpenedButNotStarted(t *testing.T) {
	w := newTestWorld(nil)
	require.NoError(t, w.Open())

	evt := event.New(event.KindLog, 1, nil, value.Map{})
	matched, err := w.ProcessEvent(`aggregate count() window tumbling(1s)`, evt)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.EqualValues(t, 1, w.Stats().EventsProcessed)
}

func TestProcessEventBeforeOpenErrors(t *testing.T) {
	w := newTestWorld(nil)
	evt := event.New(event.KindLog, 1, nil, value.Map{})
	_, err := w.ProcessEvent(`show *`, evt)
	assert.ErrorIs(t, err, ErrNotOpened)
}

func TestProcessEventAfterFreeErrors(t *testing.T) {
	w := newTestWorld(nil)
	require.NoError(t, w.Open())
	require.NoError(t, w.Free())

	evt := event.New(event.KindLog, 1, nil, value.Map{})
	_, err := w.ProcessEvent(`show *`, evt)
	assert.ErrorIs(t, err, ErrFreed)
}

func TestDerivedEventCountersTrackKind(t *testing.T) {
	var emitted []*event.Event
	w := newTestWorld(func(e *event.Event) { emitted = append(emitted, e) })
	require.NoError(t, w.Open())
	require.NoError(t, w.Start())
	require.NoError(t, w.Run())

	left := event.New(event.KindLog, 0, nil, value.Map{"log": value.Map{"level": "ERROR"}})
	right := event.New(event.KindNetwork, int64(50*time.Millisecond), nil, value.Map{"network": value.Map{"dst_port": int64(3306)}})

	_, err := w.ProcessEvent(`correlate log.level == "ERROR" with network.dst_port == 3306 within 100ms`, left)
	require.NoError(t, err)
	_, err = w.ProcessEvent(`correlate log.level == "ERROR" with network.dst_port == 3306 within 100ms`, right)
	require.NoError(t, err)

	stats := w.Stats()
	assert.EqualValues(t, 2, stats.EventsProcessed)
	assert.EqualValues(t, 1, stats.EventsCorrelated)
	require.Len(t, emitted, 1)
}

func TestTwoWorldsDoNotShareState(t *testing.T) {
	registry := executor.NewRegistry(0)
	w1 := New(noopLoop{}, registry, nil)
	w2 := New(noopLoop{}, registry, nil)
	require.NoError(t, w1.Open())
	require.NoError(t, w2.Open())

	evt := event.New(event.KindLog, 0, nil, value.Map{})
	_, err := w1.ProcessEvent(`aggregate count()`, evt)
	require.NoError(t, err)
	_, err = w1.ProcessEvent(`aggregate count()`, evt)
	require.NoError(t, err)

	assert.EqualValues(t, 2, w1.Stats().EventsProcessed)
	assert.EqualValues(t, 0, w2.Stats().EventsProcessed)
}
