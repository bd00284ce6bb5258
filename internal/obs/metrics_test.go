package obs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"predmkt/internal/schema"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.ObserveOrder(schema.OrderStatusFilled, 2*time.Millisecond)
	m.ObserveOrder(schema.OrderStatusRejected, 4*time.Millisecond)
	m.ObserveHedge(schema.HedgeRecord{Status: schema.HedgeStatusRetry, Reason: schema.HedgeReasonSpreadUnavailable}, 0)
	m.ObserveHedge(schema.HedgeRecord{Status: schema.HedgeStatusHedged}, time.Second)
	m.IncExposureBlock()
	m.IncSync(true)
	m.IncSync(false)

	s := m.Snapshot()
	assert.Equal(t, uint64(1), s.OrderStatusCounts[schema.OrderStatusFilled])
	assert.Equal(t, uint64(1), s.OrderStatusCounts[schema.OrderStatusRejected])
	assert.Equal(t, uint64(1), s.HedgeReasonCounts[schema.HedgeReasonSpreadUnavailable])
	assert.Equal(t, uint64(1), s.HedgeStatusCounts[schema.HedgeStatusHedged])
	assert.Equal(t, uint64(1), s.ExposureBlocks)
	assert.Equal(t, uint64(1), s.SyncRepriced)
	assert.Equal(t, uint64(1), s.SyncSkipped)
	assert.Equal(t, uint64(2), s.ExecuteLatency.Count)
	assert.Equal(t, 3*time.Millisecond, s.ExecuteLatency.Avg)
	assert.Equal(t, time.Second, s.HedgeLatency.Max)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOrder(schema.OrderStatusFilled, time.Millisecond)
	m.IncQueueDrop()
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestTraceGeneratorEncodesSource(t *testing.T) {
	g := NewTraceGenerator(10)
	first := g.Next(schema.SourceExecutor)
	second := g.Next(schema.SourceDispatcher)
	assert.Equal(t, uint64(schema.SourceExecutor)<<48|11, first)
	assert.Equal(t, schema.SourceExecutor, TraceSource(first))
	assert.Equal(t, schema.SourceDispatcher, TraceSource(second))
	assert.Equal(t, uint64(12), second&traceCounterMask)

	h := schema.EventHeader{Source: schema.SourceSynchronizer}
	g.Stamp(&h)
	assert.Equal(t, schema.SourceSynchronizer, TraceSource(h.TraceID))
	stamped := h.TraceID
	g.Stamp(&h)
	assert.Equal(t, stamped, h.TraceID, "an existing trace id is kept")

	var none *TraceGenerator
	assert.Zero(t, none.Next(schema.SourceExecutor))
}
