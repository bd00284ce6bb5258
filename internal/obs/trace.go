package obs

import (
	"sync/atomic"
	"time"

	"predmkt/internal/schema"
)

// Trace ids carry the emitting source in the top 16 bits and a shared
// counter in the low 48, so any journaled or published event can be traced
// back to the component that produced it.
const (
	traceSourceShift = 48
	traceCounterMask = 1<<traceSourceShift - 1
)

// TraceGenerator hands out trace ids. A nil generator returns zero ids.
type TraceGenerator struct {
	next atomic.Uint64
}

// NewTraceGenerator starts the counter at seed. A zero seed uses the wall
// clock in milliseconds, which keeps ids of consecutive runs apart.
func NewTraceGenerator(seed uint64) *TraceGenerator {
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixMilli())
	}
	g := &TraceGenerator{}
	g.next.Store(seed & traceCounterMask)
	return g
}

// Next returns a new trace id for an event emitted by source.
func (g *TraceGenerator) Next(source uint16) uint64 {
	if g == nil {
		return 0
	}
	n := g.next.Add(1) & traceCounterMask
	return uint64(source)<<traceSourceShift | n
}

// Stamp assigns a trace id to a header that has none.
func (g *TraceGenerator) Stamp(h *schema.EventHeader) {
	if h.TraceID == 0 {
		h.TraceID = g.Next(h.Source)
	}
}

// TraceSource returns the source encoded in a trace id.
func TraceSource(id uint64) uint16 {
	return uint16(id >> traceSourceShift)
}
