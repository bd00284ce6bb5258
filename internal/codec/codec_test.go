package codec

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predmkt/internal/schema"
)

func TestTradeExecutedKeepsFloatsExact(t *testing.T) {
	ev := schema.TradeExecuted{
		EventID:  "e1",
		TradeID:  "t1",
		MarketID: "m1",
		Side:     schema.OrderSideBuy,
		Status:   schema.OrderStatusFilled,
		Shares:   decimal.RequireFromString("195.512345"),
		Cash:     decimal.NewFromInt(100),
		DeltaQ:   195.512345,
		Q:        []float64{math.Pi * 1000, 1.0 / 3.0},
		Deltas: []schema.BalanceDelta{
			{Owner: "u1", Instrument: schema.CashSymbol, Amount: decimal.NewFromInt(-100)},
		},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}

	typ, b, err := Encode(ev)
	require.NoError(t, err)
	assert.Equal(t, schema.EventTradeExecuted, typ)

	v, err := Decode(typ, b)
	require.NoError(t, err)
	got, ok := v.(schema.TradeExecuted)
	require.True(t, ok)
	assert.Equal(t, ev.Q, got.Q)
	assert.True(t, ev.Shares.Equal(got.Shares))
	assert.True(t, ev.Deltas[0].Amount.Equal(got.Deltas[0].Amount))
	assert.True(t, ev.CreatedAt.Equal(got.CreatedAt))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeMarketRepriced(nil)
	assert.Error(t, err)

	_, err = DecodeMarketRepriced([]byte("{not json"))
	assert.Error(t, err)

	_, err = Decode(schema.EventUnknown, []byte("{}"))
	assert.Error(t, err)

	_, _, err = Encode(42)
	assert.Error(t, err)
}
