package schema

// SchemaVersion is the current event schema version.
const SchemaVersion uint16 = 1

// EventType defines the category of an event stored in the outbox.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventTradeExecuted
	EventHedgeStatusChanged
	EventPriceUpdated
	EventMarketRepriced
	EventBalanceAdjusted
	EventMarketLifecycle
	EventOutboxAck
)

func (t EventType) String() string {
	switch t {
	case EventTradeExecuted:
		return "trade_executed"
	case EventHedgeStatusChanged:
		return "hedge_status_changed"
	case EventPriceUpdated:
		return "price_updated"
	case EventMarketRepriced:
		return "market_repriced"
	case EventBalanceAdjusted:
		return "balance_adjusted"
	case EventMarketLifecycle:
		return "market_lifecycle"
	case EventOutboxAck:
		return "outbox_ack"
	default:
		return "unknown"
	}
}

// Known reports whether t is one of the defined event types.
func (t EventType) Known() bool {
	return t > EventUnknown && t <= EventOutboxAck
}

// EventHeader is the common metadata attached to every event.
type EventHeader struct {
	Type    EventType
	Version uint16
	Source  uint16
	Flags   uint16
	Seq     uint64
	TsEvent int64
	TsRecv  int64
	TraceID uint64
}

// NewHeader builds a header with the current schema version.
func NewHeader(eventType EventType, source uint16, seq uint64, tsEvent, tsRecv int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Version: SchemaVersion,
		Source:  source,
		Seq:     seq,
		TsEvent: tsEvent,
		TsRecv:  tsRecv,
	}
}

// Event sources.
const (
	SourceUnknown uint16 = iota
	SourceExecutor
	SourceDispatcher
	SourceSynchronizer
	SourceAdmin
)
