package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"predmkt/internal/schema"
)

// Quote is the best bid and ask of one venue instrument.
type Quote struct {
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	At         time.Time       `json:"at"`
}

// Mid returns the midpoint, or the only side present.
func (q Quote) Mid() (decimal.Decimal, bool) {
	switch {
	case q.Bid.IsPositive() && q.Ask.IsPositive():
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2)), true
	case q.Bid.IsPositive():
		return q.Bid, true
	case q.Ask.IsPositive():
		return q.Ask, true
	default:
		return decimal.Zero, false
	}
}

// OrderState is the venue-side state reported for a placed order.
type OrderState uint16

const (
	OrderStateUnknown OrderState = iota
	OrderStateFilled
	OrderStatePartFilled
	OrderStateCanceled
	OrderStateRejected
	OrderStateOpen
)

func (s OrderState) String() string {
	switch s {
	case OrderStateFilled:
		return "filled"
	case OrderStatePartFilled:
		return "part_filled"
	case OrderStateCanceled:
		return "canceled"
	case OrderStateRejected:
		return "rejected"
	case OrderStateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ParseOrderState maps the wire status string.
func ParseOrderState(s string) OrderState {
	switch s {
	case "filled":
		return OrderStateFilled
	case "part_filled", "partially_filled":
		return OrderStatePartFilled
	case "canceled", "cancelled", "expired":
		return OrderStateCanceled
	case "rejected":
		return OrderStateRejected
	case "open", "new":
		return OrderStateOpen
	default:
		return OrderStateUnknown
	}
}

// OrderRequest is an immediate-or-cancel limit order. The venue dedupes by
// ClientOrderID, so resending the same request never fills twice.
type OrderRequest struct {
	ClientOrderID string           `json:"clientOrderId"`
	Instrument    string           `json:"instrument"`
	Side          schema.OrderSide `json:"side"`
	Price         decimal.Decimal  `json:"price"`
	Qty           decimal.Decimal  `json:"qty"`
}

// OrderResult is the venue response to a placed order.
type OrderResult struct {
	ClientOrderID   string          `json:"clientOrderId"`
	ExternalOrderID string          `json:"orderId"`
	State           OrderState      `json:"state"`
	FilledQty       decimal.Decimal `json:"filledQty"`
	AvgPrice        decimal.Decimal `json:"avgPrice"`
	Fee             decimal.Decimal `json:"fee"`
}

// QuoteSource provides the current best prices of an instrument.
type QuoteSource interface {
	BestPrice(ctx context.Context, instrument string) (Quote, error)
}

// Client is the external order-book venue.
type Client interface {
	QuoteSource
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, externalOrderID string) error
}

// Split combines a quote source with another client's order entry, e.g. a
// websocket price stream in front of a REST order API.
type Split struct {
	Quotes QuoteSource
	Orders Client
}

func (s Split) BestPrice(ctx context.Context, instrument string) (Quote, error) {
	return s.Quotes.BestPrice(ctx, instrument)
}

func (s Split) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	return s.Orders.PlaceOrder(ctx, req)
}

func (s Split) CancelOrder(ctx context.Context, externalOrderID string) error {
	return s.Orders.CancelOrder(ctx, externalOrderID)
}
