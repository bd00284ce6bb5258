package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceDelta is one signed ledger movement carried by a journaled event.
type BalanceDelta struct {
	Owner      string          `json:"owner"`
	Instrument string          `json:"instrument"`
	Amount     decimal.Decimal `json:"amount"`
}

// TradeExecuted is journaled before the executor acknowledges a fill.
// It carries everything needed to replay the trade and hedge it.
type TradeExecuted struct {
	EventID   string          `json:"eventId"`
	TradeID   string          `json:"tradeId"`
	OrderID   string          `json:"orderId"`
	UserID    string          `json:"userId"`
	MarketID  string          `json:"marketId"`
	Outcome   int             `json:"outcome"`
	Side      OrderSide       `json:"side"`
	Status    OrderStatus     `json:"status"`
	Shares    decimal.Decimal `json:"shares"`
	AvgPrice  decimal.Decimal `json:"avgPrice"`
	Cash      decimal.Decimal `json:"cash"`
	Markup    decimal.Decimal `json:"markup"`
	DeltaQ    float64         `json:"deltaQ"`
	Deltas    []BalanceDelta  `json:"deltas"`
	Q         []float64       `json:"q"`
	CreatedAt time.Time       `json:"createdAt"`
}

// HedgeStatusChanged is published whenever a hedge record transitions.
type HedgeStatusChanged struct {
	EventID string      `json:"eventId"`
	Record  HedgeRecord `json:"record"`
}

// PriceUpdated is published whenever the probabilities of a market change.
type PriceUpdated struct {
	EventID       string    `json:"eventId"`
	MarketID      string    `json:"marketId"`
	Q             []float64 `json:"q"`
	Probabilities []float64 `json:"probabilities"`
	Source        uint16    `json:"source"`
	At            time.Time `json:"at"`
}

// MarketRepriced is journaled by the odds synchronizer when it replaces q.
type MarketRepriced struct {
	EventID  string    `json:"eventId"`
	MarketID string    `json:"marketId"`
	Q        []float64 `json:"q"`
	Halted   bool      `json:"halted"`
	At       time.Time `json:"at"`
}

// BalanceAdjusted is journaled for deposits, withdrawals and resolution payouts.
type BalanceAdjusted struct {
	EventID string         `json:"eventId"`
	Reason  string         `json:"reason"`
	Deltas  []BalanceDelta `json:"deltas"`
	At      time.Time      `json:"at"`
}

// MarketLifecycle is journaled on market creation and status changes.
// Resolution carries the payout deltas so it replays as one unit.
type MarketLifecycle struct {
	EventID string         `json:"eventId"`
	Market  Market         `json:"market"`
	Status  MarketStatus   `json:"status"`
	Deltas  []BalanceDelta `json:"deltas,omitempty"`
	At      time.Time      `json:"at"`
}

// OutboxAck marks a journaled entry as fully processed by its consumer.
type OutboxAck struct {
	Seq uint64 `json:"seq"`
}
