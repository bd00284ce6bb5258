// Package sink forwards bus events to outward transports. Delivery is
// at-least-once from the consumer's point of view: every message carries
// the event id so consumers can dedupe.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"predmkt/internal/bus"
	"predmkt/internal/schema"
)

var api = sonic.ConfigStd

// Sink writes encoded events to one transport.
type Sink interface {
	Name() string
	Write(ctx context.Context, msg Message) error
	Close() error
}

// Message is the envelope every sink receives.
type Message struct {
	Type    string          `json:"type"`
	Source  uint16          `json:"source"`
	TraceID uint64          `json:"traceId"`
	TsEvent int64           `json:"tsEvent"`
	Key     string          `json:"key"`
	EventID string          `json:"eventId"`
	Payload json.RawMessage `json:"payload"`
}

// Encode returns the JSON form of the envelope.
func (m Message) Encode() ([]byte, error) {
	return api.Marshal(m)
}

// NewMessage wraps a bus event into an envelope.
func NewMessage(e bus.Event) Message {
	key, id := identify(e.Value)
	return Message{
		Type:    e.Header.Type.String(),
		Source:  e.Header.Source,
		TraceID: e.Header.TraceID,
		TsEvent: e.Header.TsEvent,
		Key:     key,
		EventID: id,
		Payload: e.Payload,
	}
}

// identify extracts the partition key and the event id of a value.
func identify(v any) (key, id string) {
	switch ev := v.(type) {
	case schema.TradeExecuted:
		return ev.MarketID, ev.EventID
	case schema.HedgeStatusChanged:
		return ev.Record.MarketID, ev.EventID
	case schema.PriceUpdated:
		return ev.MarketID, ev.EventID
	case schema.MarketRepriced:
		return ev.MarketID, ev.EventID
	case schema.MarketLifecycle:
		return ev.Market.ID, ev.EventID
	case schema.BalanceAdjusted:
		if len(ev.Deltas) > 0 {
			return ev.Deltas[0].Owner, ev.EventID
		}
		return "", ev.EventID
	default:
		return "", ""
	}
}

// Forwarder drains a bus queue into every sink.
type Forwarder struct {
	sinks   []Sink
	timeout time.Duration
}

// NewForwarder creates a forwarder. Each write is bounded by timeout.
func NewForwarder(timeout time.Duration, sinks ...Sink) *Forwarder {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Forwarder{sinks: sinks, timeout: timeout}
}

// Run forwards events until the context is done or the queue closes, then
// closes every sink.
func (f *Forwarder) Run(ctx context.Context, q *bus.Queue) {
	q.Run(ctx, func(e bus.Event) {
		f.Forward(ctx, e)
	})
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			logs.Errorf("sink: close %s, err: %+v", s.Name(), err)
		}
	}
}

// Forward writes one event to every sink. A failing sink does not stop
// the others.
func (f *Forwarder) Forward(ctx context.Context, e bus.Event) {
	msg := NewMessage(e)
	for _, s := range f.sinks {
		wctx, cancel := context.WithTimeout(ctx, f.timeout)
		if err := s.Write(wctx, msg); err != nil {
			logs.Errorf("sink: write %s to %s, key: %s, err: %+v", msg.Type, s.Name(), msg.Key, err)
		}
		cancel()
	}
}
