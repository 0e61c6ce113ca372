package diag

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorDisabledByDefault(t *testing.T) {
	c := NewCollector(nil)
	c.Add(Event{Name: WorldOpened})
	assert.Empty(t, c.Events())
}

func TestCollectorRecordsAndForwards(t *testing.T) {
	var seen []Event
	c := NewCollector(func(e Event) { seen = append(seen, e) })
	c.AddTiming(QueryDispatched, time.Now(), map[string]interface{}{"query": "show *"})

	require.Len(t, c.Events(), 1)
	require.Len(t, seen, 1)
	assert.Equal(t, QueryDispatched, seen[0].Name)
	assert.GreaterOrEqual(t, seen[0].Latency, time.Duration(0))
}

func TestResetClearsEventsKeepsHandler(t *testing.T) {
	var calls int
	c := NewCollector(func(Event) { calls++ })
	c.Add(Event{Name: WorldOpened})
	c.Reset()
	assert.Empty(t, c.Events())

	c.Add(Event{Name: WorldStarted})
	assert.Equal(t, 2, calls)
	assert.Len(t, c.Events(), 1)
}

func TestOutputFormatterFormatsKnownEvents(t *testing.T) {
	var buf bytes.Buffer
	f := NewOutputFormatter(&buf)
	f.Handle(Event{Name: WorldOpened, Data: map[string]interface{}{"world": uint64(1)}})
	assert.Contains(t, buf.String(), "world 1 opened")
}

func TestOutputFormatterFallsBackForUnknownEvents(t *testing.T) {
	var buf bytes.Buffer
	f := NewOutputFormatter(&buf)
	line := f.Format(Event{Name: "custom/thing"})
	assert.Contains(t, line, "custom/thing")
}
