package bus

import (
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"predmkt/internal/codec"
	"predmkt/internal/obs"
	"predmkt/internal/schema"
)

// Bus fans events out to named subscriber queues. Slow subscribers lose
// events instead of blocking publishers; everything that must not be lost
// goes through the outbox first.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscriber
	metrics *obs.Metrics
	traces  *obs.TraceGenerator
}

type subscriber struct {
	name  string
	queue *Queue
}

// New creates an empty bus. Both arguments may be nil.
func New(metrics *obs.Metrics, traces *obs.TraceGenerator) *Bus {
	return &Bus{metrics: metrics, traces: traces}
}

// Subscribe registers a named queue that receives every later event.
func (b *Bus) Subscribe(name string, capacity int) *Queue {
	q := NewQueue(capacity)
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{name: name, queue: q})
	b.mu.Unlock()
	return q
}

// Publish encodes the event value and offers it to every subscriber.
func (b *Bus) Publish(source uint16, value any) {
	typ, payload, err := codec.Encode(value)
	if err != nil {
		logs.Errorf("bus: encode event %T, err: %+v", value, err)
		return
	}
	now := time.Now().UTC().UnixNano()
	header := schema.NewHeader(typ, source, 0, now, now)
	b.traces.Stamp(&header)
	b.PublishEvent(Event{Header: header, Payload: payload, Value: value})
}

// PublishEvent offers an already encoded event to every subscriber.
func (b *Bus) PublishEvent(e Event) {
	b.metrics.ObserveEvent(e.Header)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		switch err := s.queue.TryPublish(e); err {
		case nil:
		case ErrQueueFull:
			b.metrics.IncQueueDrop()
			logs.Warnf("bus: subscriber %s full, drop %s", s.name, e.Header.Type)
		default:
			b.metrics.IncQueueClosed()
		}
	}
}

// Close closes every subscriber queue.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.queue.Close()
	}
}
