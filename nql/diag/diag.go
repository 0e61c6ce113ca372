// Package diag provides a low-overhead event collector and formatter for
// tracking nqlstream's own runtime activity — world lifecycle transitions,
// query dispatch, context creation, window flushes, correlation joins, and
// timer scheduling — distinct from the derived events the engines emit.
package diag

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// Event name constants, hierarchically namespaced the way the runtime's own
// components are: world/, query/, context/, window/, correlate/, timer/.
const (
	WorldOpened      = "world/opened"
	WorldStarted     = "world/started"
	WorldStopped     = "world/stopped"
	WorldFreed       = "world/freed"
	QueryDispatched  = "query/dispatched"
	QueryParsed      = "query/parsed"
	QueryParseError  = "query/parse.error"
	ContextCreated   = "context/created"
	ContextClosed    = "context/closed"
	WindowFlushed    = "window/flushed"
	CorrelationEmitted = "correlate/emitted"
	TimerScheduled   = "timer/scheduled"
	TimerCancelled   = "timer/cancelled"
)

// Event is one recorded diagnostic occurrence.
type Event struct {
	Name    string
	Start   time.Time
	End     time.Time
	Latency time.Duration
	Data    map[string]interface{}
}

// Handler processes Events as they occur.
type Handler func(Event)

// Collector accumulates events for later inspection via Events and
// forwards each one to a live Handler as it is recorded (cmd/nqlrun's
// -verbose flag installs OutputFormatter.Handle as that handler).
type Collector struct {
	mu      sync.Mutex
	enabled bool
	handler Handler
	events  []Event
}

// NewCollector creates a Collector. A nil handler disables collection
// entirely (Add becomes a no-op), so a run with diagnostics off pays no
// collection overhead.
func NewCollector(handler Handler) *Collector {
	return &Collector{
		enabled: handler != nil,
		handler: handler,
		events:  make([]Event, 0, 64),
	}
}

// Add records event and forwards it to the handler, if any, outside the
// collector's lock.
func (c *Collector) Add(event Event) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()

	if c.handler != nil {
		c.handler(event)
	}
}

// AddTiming records an event bounded by [start, now).
func (c *Collector) AddTiming(name string, start time.Time, data map[string]interface{}) {
	if !c.enabled {
		return
	}
	end := time.Now()
	c.Add(Event{Name: name, Start: start, End: end, Latency: end.Sub(start), Data: data})
}

// Events returns a copy of every event recorded so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Reset clears the collector for reuse without discarding its handler.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = c.events[:0]
}

// OutputFormatter renders Events as human-readable, optionally colorized
// lines — the runtime's -verbose diagnostic stream.
type OutputFormatter struct {
	useColor bool
	writer   io.Writer
}

// NewOutputFormatter creates a formatter writing to w (os.Stdout if nil),
// colorizing output only when w is an *os.File with descriptor 1 or 2; no
// check is made that the descriptor is actually a terminal.
func NewOutputFormatter(w io.Writer) *OutputFormatter {
	if w == nil {
		w = os.Stdout
	}
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isTerminal(f.Fd())
	}
	return &OutputFormatter{useColor: useColor, writer: w}
}

// Handle implements Handler, printing every event as it's recorded.
func (f *OutputFormatter) Handle(event Event) {
	if line := f.Format(event); line != "" {
		fmt.Fprintln(f.writer, line)
	}
}

// Format renders one event to a single line.
func (f *OutputFormatter) Format(event Event) string {
	latency := formatLatency(event.Latency)
	switch event.Name {
	case WorldOpened:
		return fmt.Sprintf("%s %s world %v opened", latency, f.colorize("===", color.FgGreen), event.Data["world"])
	case WorldStarted:
		return fmt.Sprintf("%s %s world %v started", latency, f.colorize("===", color.FgGreen), event.Data["world"])
	case WorldStopped:
		return fmt.Sprintf("%s %s world %v stopped", latency, f.colorize("===", color.FgYellow), event.Data["world"])
	case WorldFreed:
		return fmt.Sprintf("%s %s world %v freed", latency, f.colorize("===", color.FgRed), event.Data["world"])
	case QueryDispatched:
		return fmt.Sprintf("%s query: %s", latency, truncate(fmt.Sprintf("%v", event.Data["query"]), 80))
	case QueryParseError:
		return fmt.Sprintf("%s %s parse error: %v", latency, f.colorize("✗", color.FgRed), event.Data["error"])
	case ContextCreated:
		return fmt.Sprintf("%s context created for world %v: %s", latency, event.Data["world"], event.Data["query"])
	case WindowFlushed:
		return fmt.Sprintf("%s window flushed: %s buckets", latency, f.colorizeCount("bucket", toInt(event.Data["bucket.count"])))
	case CorrelationEmitted:
		return fmt.Sprintf("%s %s correlation emitted (delta %vms)", latency, f.colorize("⋈", color.FgCyan), event.Data["delta_ms"])
	case TimerScheduled:
		return fmt.Sprintf("%s timer scheduled: period=%v", latency, event.Data["period"])
	case TimerCancelled:
		return fmt.Sprintf("%s timer cancelled", latency)
	default:
		return fmt.Sprintf("%s %s", latency, event.Name)
	}
}

func (f *OutputFormatter) colorize(text string, attrs ...color.Attribute) string {
	if !f.useColor {
		return text
	}
	return color.New(attrs...).Sprint(text)
}

func (f *OutputFormatter) colorizeCount(label string, count int) string {
	text := fmt.Sprintf("%d %s", count, label)
	if !f.useColor {
		return text
	}
	return color.CyanString(text)
}

func toInt(v interface{}) int {
	if i, ok := v.(int); ok {
		return i
	}
	return 0
}

func formatLatency(d time.Duration) string {
	if d == 0 {
		return "[      ]"
	}
	return fmt.Sprintf("[%6s]", d.Round(time.Microsecond).String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func isTerminal(fd uintptr) bool {
	return fd == uintptr(1) || fd == uintptr(2)
}

// RenderTable renders per-world or per-context stats as a table. rows is a
// slice of already-stringified columns. cmd/nqlrun does not call it.
func RenderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewTable(w)
	table.Header(header)
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}
