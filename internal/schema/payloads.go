package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "buy"
	case OrderSideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderKind describes how an order accepts its price.
type OrderKind uint16

const (
	OrderKindUnknown OrderKind = iota
	OrderKindMarket
	OrderKindLimit
)

func (k OrderKind) String() string {
	switch k {
	case OrderKindMarket:
		return "market"
	case OrderKindLimit:
		return "limit"
	default:
		return "unknown"
	}
}

// OrderStatus is the final state of an order. Orders never change after creation.
type OrderStatus uint16

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusFilled
	OrderStatusPartial
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusFilled:
		return "filled"
	case OrderStatusPartial:
		return "partial"
	case OrderStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OrderRequest is what a caller submits to the trade executor.
// Amount is USD for buys and shares for sells.
type OrderRequest struct {
	MarketID   string          `json:"marketId"`
	Outcome    int             `json:"outcome"`
	Side       OrderSide       `json:"side"`
	Kind       OrderKind       `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	LimitPrice decimal.Decimal `json:"limitPrice"`
}

// Order is the immutable record of an executed or rejected request.
type Order struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	MarketID   string          `json:"marketId"`
	Outcome    int             `json:"outcome"`
	Side       OrderSide       `json:"side"`
	Kind       OrderKind       `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	LimitPrice decimal.Decimal `json:"limitPrice"`
	AvgPrice   decimal.Decimal `json:"avgPrice"`
	FilledQty  decimal.Decimal `json:"filledQty"`
	Status     OrderStatus     `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Fill is returned to the caller of a successful execution.
type Fill struct {
	OrderID       string          `json:"orderId"`
	TradeID       string          `json:"tradeId"`
	MarketID      string          `json:"marketId"`
	Outcome       int             `json:"outcome"`
	Side          OrderSide       `json:"side"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	Cash          decimal.Decimal `json:"cash"`
	Markup        decimal.Decimal `json:"markup"`
	Probabilities []float64       `json:"probabilities"`
}

// HedgeStatus is the lifecycle state of a hedge record.
type HedgeStatus uint16

const (
	HedgeStatusUnknown HedgeStatus = iota
	HedgeStatusPending
	HedgeStatusRetry
	HedgeStatusHedged
	HedgeStatusFailed
)

func (s HedgeStatus) String() string {
	switch s {
	case HedgeStatusPending:
		return "pending"
	case HedgeStatusRetry:
		return "retry"
	case HedgeStatusHedged:
		return "hedged"
	case HedgeStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s HedgeStatus) IsTerminal() bool {
	return s == HedgeStatusHedged || s == HedgeStatusFailed
}

// HedgeReason explains a retry or a failure.
type HedgeReason uint16

const (
	HedgeReasonNone HedgeReason = iota
	HedgeReasonUnmapped
	HedgeReasonSpreadUnavailable
	HedgeReasonVenueTimeout
	HedgeReasonVenueRejected
	HedgeReasonMarketClosed
	HedgeReasonRetriesExhausted
	HedgeReasonPartialFill
)

func (r HedgeReason) String() string {
	switch r {
	case HedgeReasonUnmapped:
		return "unmapped"
	case HedgeReasonSpreadUnavailable:
		return "spread_unavailable"
	case HedgeReasonVenueTimeout:
		return "venue_timeout"
	case HedgeReasonVenueRejected:
		return "venue_rejected"
	case HedgeReasonMarketClosed:
		return "market_closed"
	case HedgeReasonRetriesExhausted:
		return "retries_exhausted"
	case HedgeReasonPartialFill:
		return "partial_fill"
	default:
		return "none"
	}
}

// HedgeRecord links an executed trade to its offsetting venue order.
type HedgeRecord struct {
	TradeID         string          `json:"tradeId"`
	OrderID         string          `json:"orderId"`
	MarketID        string          `json:"marketId"`
	Outcome         int             `json:"outcome"`
	Instrument      string          `json:"instrument"`
	Side            OrderSide       `json:"side"`
	ClientOrderID   string          `json:"clientOrderId"`
	ExternalOrderID string          `json:"externalOrderId,omitempty"`
	Status          HedgeStatus     `json:"status"`
	Reason          HedgeReason     `json:"reason"`
	Attempts        int             `json:"attempts"`
	Qty             decimal.Decimal `json:"qty"`
	Filled          decimal.Decimal `json:"filled"`
	Notional        decimal.Decimal `json:"notional"`
	UserPrice       decimal.Decimal `json:"userPrice"`
	HedgePrice      decimal.Decimal `json:"hedgePrice"`
	Fee             decimal.Decimal `json:"fee"`
	Spread          decimal.Decimal `json:"spread"`
	NetProfit       decimal.Decimal `json:"netProfit"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Balance is one (owner, instrument) row of the ledger.
type Balance struct {
	Owner      string          `json:"owner"`
	Instrument string          `json:"instrument"`
	Available  decimal.Decimal `json:"available"`
	Locked     decimal.Decimal `json:"locked"`
}

// Total is available plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}
