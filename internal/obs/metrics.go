package obs

import (
	"sync/atomic"
	"time"

	"predmkt/internal/schema"
)

const (
	maxEventType   = int(schema.EventOutboxAck)
	maxOrderStatus = int(schema.OrderStatusRejected)
	maxHedgeStatus = int(schema.HedgeStatusFailed)
	maxHedgeReason = int(schema.HedgeReasonPartialFill)
)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	eventCounts       [maxEventType + 1]uint64
	orderStatusCounts [maxOrderStatus + 1]uint64
	hedgeStatusCounts [maxHedgeStatus + 1]uint64
	hedgeReasonCounts [maxHedgeReason + 1]uint64
	exposureBlocks    uint64
	queueDrops        uint64
	queueClosed       uint64
	syncRepriced      uint64
	syncSkipped       uint64

	eventLatency   LatencyStats
	executeLatency LatencyStats
	appendLatency  LatencyStats
	hedgeLatency   LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts       map[schema.EventType]uint64
	OrderStatusCounts map[schema.OrderStatus]uint64
	HedgeStatusCounts map[schema.HedgeStatus]uint64
	HedgeReasonCounts map[schema.HedgeReason]uint64
	ExposureBlocks    uint64
	QueueDrops        uint64
	QueueClosed       uint64
	SyncRepriced      uint64
	SyncSkipped       uint64
	EventLatency      LatencySnapshot
	ExecuteLatency    LatencySnapshot
	AppendLatency     LatencySnapshot
	HedgeLatency      LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func inc(counters []uint64, idx int) {
	if idx >= 0 && idx < len(counters) {
		atomic.AddUint64(&counters[idx], 1)
	}
}

// ObserveEvent increments counters and tracks event latency when timestamps are present.
func (m *Metrics) ObserveEvent(header schema.EventHeader) {
	if m == nil {
		return
	}
	inc(m.eventCounts[:], int(header.Type))
	if header.TsEvent > 0 && header.TsRecv > 0 {
		delta := header.TsRecv - header.TsEvent
		if delta >= 0 {
			m.eventLatency.Observe(time.Duration(delta))
		}
	}
}

// ObserveOrder counts an order outcome and its execution latency.
func (m *Metrics) ObserveOrder(status schema.OrderStatus, d time.Duration) {
	if m == nil {
		return
	}
	inc(m.orderStatusCounts[:], int(status))
	m.executeLatency.Observe(d)
}

// ObserveHedge counts a hedge transition. Terminal records also feed the
// trade-to-terminal latency.
func (m *Metrics) ObserveHedge(rec schema.HedgeRecord, sinceTrade time.Duration) {
	if m == nil {
		return
	}
	inc(m.hedgeStatusCounts[:], int(rec.Status))
	if rec.Reason != schema.HedgeReasonNone {
		inc(m.hedgeReasonCounts[:], int(rec.Reason))
	}
	if rec.Status.IsTerminal() {
		m.hedgeLatency.Observe(sinceTrade)
	}
}

// ObserveAppend measures one durable outbox append.
func (m *Metrics) ObserveAppend(d time.Duration) {
	if m == nil {
		return
	}
	m.appendLatency.Observe(d)
}

// IncExposureBlock records a buy refused by the exposure gate.
func (m *Metrics) IncExposureBlock() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.exposureBlocks, 1)
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// IncSync records one synchronizer decision for a market.
func (m *Metrics) IncSync(repriced bool) {
	if m == nil {
		return
	}
	if repriced {
		atomic.AddUint64(&m.syncRepriced, 1)
		return
	}
	atomic.AddUint64(&m.syncSkipped, 1)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		EventCounts:       collect[schema.EventType](m.eventCounts[:]),
		OrderStatusCounts: collect[schema.OrderStatus](m.orderStatusCounts[:]),
		HedgeStatusCounts: collect[schema.HedgeStatus](m.hedgeStatusCounts[:]),
		HedgeReasonCounts: collect[schema.HedgeReason](m.hedgeReasonCounts[:]),
		ExposureBlocks:    atomic.LoadUint64(&m.exposureBlocks),
		QueueDrops:        atomic.LoadUint64(&m.queueDrops),
		QueueClosed:       atomic.LoadUint64(&m.queueClosed),
		SyncRepriced:      atomic.LoadUint64(&m.syncRepriced),
		SyncSkipped:       atomic.LoadUint64(&m.syncSkipped),
		EventLatency:      m.eventLatency.Snapshot(),
		ExecuteLatency:    m.executeLatency.Snapshot(),
		AppendLatency:     m.appendLatency.Snapshot(),
		HedgeLatency:      m.hedgeLatency.Snapshot(),
	}
}

func collect[K ~uint16](counters []uint64) map[K]uint64 {
	out := make(map[K]uint64)
	for i := range counters {
		if v := atomic.LoadUint64(&counters[i]); v > 0 {
			out[K(i)] = v
		}
	}
	return out
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
