package store

import (
	"time"

	"github.com/shopspring/decimal"

	"predmkt/internal/schema"
)

// MarketRow is the read-model row of a market.
type MarketRow struct {
	ID            string           `gorm:"primaryKey;type:text"`
	GroupID       string           `gorm:"type:text;index"`
	Type          string           `gorm:"type:text;not null"`
	B             float64          `gorm:"not null"`
	Q             []float64        `gorm:"serializer:json;type:jsonb;not null"`
	Probabilities []float64        `gorm:"serializer:json;type:jsonb;not null"`
	Outcomes      []schema.Outcome `gorm:"serializer:json;type:jsonb;not null"`
	Status        string           `gorm:"type:text;index;not null"`
	Halted        bool             `gorm:"not null;default:false"`
	Winner        int              `gorm:"not null;default:-1"`
	UpdatedAt     time.Time        `gorm:"type:timestamptz;not null"`
}

func (MarketRow) TableName() string { return "amm_markets" }

// TradeRow is one executed trade. Rows are append-only.
type TradeRow struct {
	TradeID   string          `gorm:"primaryKey;type:text"`
	EventID   string          `gorm:"type:text;uniqueIndex;not null"`
	OrderID   string          `gorm:"type:text;index;not null"`
	UserID    string          `gorm:"type:text;index;not null"`
	MarketID  string          `gorm:"type:text;index;not null"`
	Outcome   int             `gorm:"not null"`
	Side      string          `gorm:"type:text;not null"`
	Status    string          `gorm:"type:text;not null"`
	Shares    decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	AvgPrice  decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Cash      decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Markup    decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	CreatedAt time.Time       `gorm:"type:timestamptz;index;not null"`
}

func (TradeRow) TableName() string { return "amm_trades" }

// HedgeRow is the latest state of the hedge of one trade.
type HedgeRow struct {
	TradeID         string          `gorm:"primaryKey;type:text"`
	MarketID        string          `gorm:"type:text;index;not null"`
	Instrument      string          `gorm:"type:text;not null"`
	Side            string          `gorm:"type:text;not null"`
	ClientOrderID   string          `gorm:"type:text;uniqueIndex;not null"`
	ExternalOrderID string          `gorm:"type:text"`
	Status          string          `gorm:"type:text;index;not null"`
	Reason          string          `gorm:"type:text"`
	Attempts        int             `gorm:"not null"`
	Qty             decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Filled          decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Notional        decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	UserPrice       decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	HedgePrice      decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Fee             decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Spread          decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	NetProfit       decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	UpdatedAt       time.Time       `gorm:"type:timestamptz;not null"`
}

func (HedgeRow) TableName() string { return "amm_hedges" }

// NewMarketRow maps a market to its row.
func NewMarketRow(m schema.Market, halted bool, at time.Time) MarketRow {
	c := m.Clone()
	return MarketRow{
		ID:            c.ID,
		GroupID:       c.GroupID,
		Type:          c.Type.String(),
		B:             c.B,
		Q:             c.Q,
		Probabilities: c.Probabilities(),
		Outcomes:      c.Outcomes,
		Status:        c.Status.String(),
		Halted:        halted,
		Winner:        c.Winner,
		UpdatedAt:     at,
	}
}

// Market maps a row back to a market.
func (r MarketRow) Market() schema.Market {
	m := schema.Market{
		ID:       r.ID,
		GroupID:  r.GroupID,
		Type:     schema.ParseMarketType(r.Type),
		B:        r.B,
		Q:        append([]float64(nil), r.Q...),
		Status:   schema.ParseMarketStatus(r.Status),
		Outcomes: append([]schema.Outcome(nil), r.Outcomes...),
		Winner:   r.Winner,
	}
	return m
}

// NewTradeRow maps an executed trade to its row.
func NewTradeRow(ev schema.TradeExecuted) TradeRow {
	return TradeRow{
		TradeID:   ev.TradeID,
		EventID:   ev.EventID,
		OrderID:   ev.OrderID,
		UserID:    ev.UserID,
		MarketID:  ev.MarketID,
		Outcome:   ev.Outcome,
		Side:      ev.Side.String(),
		Status:    ev.Status.String(),
		Shares:    ev.Shares,
		AvgPrice:  ev.AvgPrice,
		Cash:      ev.Cash,
		Markup:    ev.Markup,
		CreatedAt: ev.CreatedAt,
	}
}

// NewHedgeRow maps a hedge record to its row.
func NewHedgeRow(r schema.HedgeRecord) HedgeRow {
	return HedgeRow{
		TradeID:         r.TradeID,
		MarketID:        r.MarketID,
		Instrument:      r.Instrument,
		Side:            r.Side.String(),
		ClientOrderID:   r.ClientOrderID,
		ExternalOrderID: r.ExternalOrderID,
		Status:          r.Status.String(),
		Reason:          r.Reason.String(),
		Attempts:        r.Attempts,
		Qty:             r.Qty,
		Filled:          r.Filled,
		Notional:        r.Notional,
		UserPrice:       r.UserPrice,
		HedgePrice:      r.HedgePrice,
		Fee:             r.Fee,
		Spread:          r.Spread,
		NetProfit:       r.NetProfit,
		UpdatedAt:       r.UpdatedAt,
	}
}
