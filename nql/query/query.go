// Package query defines the nQL abstract syntax tree: the tagged Query union
// (Filter / Show / Correlate / Aggregate / Pipeline), aggregate function and
// window descriptors.
package query

import (
	"fmt"
	"strings"

	"github.com/dajobe/nqlstream/nql/predicate"
)

// Query is the tagged union produced by the parser. Exactly one of the
// pointer fields is non-nil, except Pipeline which may itself hold stages of
// every other kind (never another Pipeline — pipelines are flat).
type Query struct {
	Filter    *FilterQuery
	Show      *ShowQuery
	Correlate *CorrelateQuery
	Aggregate *AggregateQuery
	Pipeline  []*Query
}

// Kind identifies which variant a Query holds.
type Kind int

const (
	KindFilter Kind = iota
	KindShow
	KindCorrelate
	KindAggregate
	KindPipeline
)

// Kind reports the query's variant for dispatch.
func (q *Query) Kind() Kind {
	switch {
	case q.Pipeline != nil:
		return KindPipeline
	case q.Filter != nil:
		return KindFilter
	case q.Show != nil:
		return KindShow
	case q.Correlate != nil:
		return KindCorrelate
	case q.Aggregate != nil:
		return KindAggregate
	default:
		return KindFilter
	}
}

func (q *Query) String() string {
	switch q.Kind() {
	case KindPipeline:
		parts := make([]string, len(q.Pipeline))
		for i, s := range q.Pipeline {
			parts[i] = s.String()
		}
		return strings.Join(parts, " | ")
	case KindFilter:
		return q.Filter.Predicate.String()
	case KindShow:
		return q.Show.String()
	case KindCorrelate:
		return q.Correlate.String()
	case KindAggregate:
		return q.Aggregate.String()
	default:
		return ""
	}
}

// FilterQuery is a bare predicate stage.
type FilterQuery struct {
	Predicate predicate.Predicate
}

// ShowQuery projects fields (or all of them) and optionally filters.
type ShowQuery struct {
	SelectAll bool
	Fields    []string
	Where     predicate.Predicate // nil if absent
}

func (s *ShowQuery) String() string {
	var sb strings.Builder
	sb.WriteString("show ")
	if s.SelectAll {
		sb.WriteString("*")
	} else {
		sb.WriteString(strings.Join(s.Fields, ", "))
	}
	if s.Where != nil {
		fmt.Fprintf(&sb, " where %s", s.Where.String())
	}
	return sb.String()
}

// CorrelateQuery is a two-sided windowed join.
type CorrelateQuery struct {
	Left     predicate.Predicate
	Right    predicate.Predicate
	WithinMs int64
}

func (c *CorrelateQuery) String() string {
	return fmt.Sprintf("correlate %s with %s within %dms", c.Left.String(), c.Right.String(), c.WithinMs)
}

// AggFuncKind identifies the kind of aggregate function in an agg-list.
type AggFuncKind int

const (
	AggCount AggFuncKind = iota
	AggSum
	AggAvg
	AggMin
	AggMax
	AggPercentile
	AggDistinct
)

func (k AggFuncKind) String() string {
	switch k {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggAvg:
		return "avg"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggPercentile:
		return "percentile"
	case AggDistinct:
		return "distinct"
	default:
		return "unknown"
	}
}

// AggFunc is a single entry in an aggregate's function list.
type AggFunc struct {
	Kind       AggFuncKind
	Field      string  // empty for count()
	Percentile float64 // only meaningful for AggPercentile, 0-100
}

func (f AggFunc) String() string {
	switch f.Kind {
	case AggCount:
		return "count()"
	case AggPercentile:
		return fmt.Sprintf("percentile(%s, %v)", f.Field, f.Percentile)
	default:
		return fmt.Sprintf("%s(%s)", f.Kind, f.Field)
	}
}

// WindowKind identifies the aggregation window strategy.
type WindowKind int

const (
	WindowNone WindowKind = iota
	WindowTumbling
	WindowSliding
	WindowSession
)

// Window describes an aggregation window. SizeMs is the bucket/tumbling
// width (and the sliding window's width); SlideMs is the sliding window's
// slide period; TimeoutMs is the session window's inactivity timeout.
type Window struct {
	Kind      WindowKind
	SizeMs    int64
	SlideMs   int64
	TimeoutMs int64
}

func (w Window) String() string {
	switch w.Kind {
	case WindowNone:
		return ""
	case WindowTumbling:
		return fmt.Sprintf("tumbling(%dms)", w.SizeMs)
	case WindowSliding:
		return fmt.Sprintf("sliding(%dms, %dms)", w.SizeMs, w.SlideMs)
	case WindowSession:
		return fmt.Sprintf("session(%dms)", w.TimeoutMs)
	default:
		return ""
	}
}

// AggregateQuery groups matching events into buckets and emits aggregate
// result events.
type AggregateQuery struct {
	Funcs   []AggFunc
	GroupBy []string
	Where   predicate.Predicate // nil if absent
	Window  Window
}

func (a *AggregateQuery) String() string {
	var sb strings.Builder
	sb.WriteString("aggregate ")
	parts := make([]string, len(a.Funcs))
	for i, f := range a.Funcs {
		parts[i] = f.String()
	}
	sb.WriteString(strings.Join(parts, ", "))
	if len(a.GroupBy) > 0 {
		fmt.Fprintf(&sb, " by %s", strings.Join(a.GroupBy, ", "))
	}
	if a.Where != nil {
		fmt.Fprintf(&sb, " where %s", a.Where.String())
	}
	if a.Window.Kind != WindowNone {
		fmt.Fprintf(&sb, " window %s", a.Window.String())
	}
	return sb.String()
}
