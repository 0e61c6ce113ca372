package parser

import (
	"testing"

	"github.com/dajobe/nqlstream/nql/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	q, err := Parse(`log.level == "ERROR"`)
	require.NoError(t, err)
	assert.Equal(t, query.KindFilter, q.Kind())
}

func TestParseShowStar(t *testing.T) {
	q, err := Parse(`show *`)
	require.NoError(t, err)
	require.Equal(t, query.KindShow, q.Kind())
	assert.True(t, q.Show.SelectAll)
}

func TestParseShowFieldsWithWhere(t *testing.T) {
	q, err := Parse(`show log.level, network.dst_port where log.level == "ERROR"`)
	require.NoError(t, err)
	require.Equal(t, query.KindShow, q.Kind())
	assert.Equal(t, []string{"log.level", "network.dst_port"}, q.Show.Fields)
	assert.NotNil(t, q.Show.Where)
}

func TestParseCorrelateDefaultWithin(t *testing.T) {
	q, err := Parse(`correlate log.level == "ERROR" with network.dst_port == 3306`)
	require.NoError(t, err)
	require.Equal(t, query.KindCorrelate, q.Kind())
	assert.Equal(t, DefaultWithinMs, q.Correlate.WithinMs)
}

func TestParseCorrelateExplicitWithin(t *testing.T) {
	q, err := Parse(`correlate log.level == "ERROR" with network.dst_port == 3306 within 100ms`)
	require.NoError(t, err)
	assert.EqualValues(t, 100, q.Correlate.WithinMs)
}

func TestParseAggregateNonWindowed(t *testing.T) {
	q, err := Parse(`aggregate count(), avg(network.latency_ms) where log.level == "ERROR"`)
	require.NoError(t, err)
	require.Equal(t, query.KindAggregate, q.Kind())
	require.Len(t, q.Aggregate.Funcs, 2)
	assert.Equal(t, query.AggCount, q.Aggregate.Funcs[0].Kind)
	assert.Equal(t, query.AggAvg, q.Aggregate.Funcs[1].Kind)
	assert.Equal(t, "network.latency_ms", q.Aggregate.Funcs[1].Field)
	assert.Equal(t, query.WindowNone, q.Aggregate.Window.Kind)
}

func TestParseAggregateGroupByAndWindow(t *testing.T) {
	q, err := Parse(`aggregate count() by log.service where log.level=="ERROR" window tumbling(1s)`)
	require.NoError(t, err)
	assert.Equal(t, []string{"log.service"}, q.Aggregate.GroupBy)
	assert.Equal(t, query.WindowTumbling, q.Aggregate.Window.Kind)
	assert.EqualValues(t, 1000, q.Aggregate.Window.SizeMs)
}

func TestParseSlidingWindow(t *testing.T) {
	q, err := Parse(`aggregate count() window sliding(1m, 30s)`)
	require.NoError(t, err)
	assert.Equal(t, query.WindowSliding, q.Aggregate.Window.Kind)
	assert.EqualValues(t, 60000, q.Aggregate.Window.SizeMs)
	assert.EqualValues(t, 30000, q.Aggregate.Window.SlideMs)
}

func TestParseSessionWindow(t *testing.T) {
	q, err := Parse(`aggregate count() window session(5m)`)
	require.NoError(t, err)
	assert.Equal(t, query.WindowSession, q.Aggregate.Window.Kind)
	assert.EqualValues(t, 300000, q.Aggregate.Window.TimeoutMs)
}

func TestParsePercentile(t *testing.T) {
	q, err := Parse(`aggregate percentile(network.latency_ms, 95)`)
	require.NoError(t, err)
	assert.Equal(t, query.AggPercentile, q.Aggregate.Funcs[0].Kind)
	assert.Equal(t, float64(95), q.Aggregate.Funcs[0].Percentile)
}

func TestParsePipeline(t *testing.T) {
	q, err := Parse(`log.level == "ERROR" | aggregate count() by log.service`)
	require.NoError(t, err)
	require.Equal(t, query.KindPipeline, q.Kind())
	require.Len(t, q.Pipeline, 2)
	assert.Equal(t, query.KindFilter, q.Pipeline[0].Kind())
	assert.Equal(t, query.KindAggregate, q.Pipeline[1].Kind())
}

func TestParseErrorMissingWith(t *testing.T) {
	_, err := Parse(`correlate log.level == "ERROR" network.dst_port == 3306`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 'with'")
}

func TestParsePipelineFlattensThreeStages(t *testing.T) {
	a, err := Parse(`log.level == "ERROR" | show * | aggregate count()`)
	require.NoError(t, err)
	assert.Len(t, a.Pipeline, 3)
}
