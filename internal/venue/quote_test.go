package venue

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"predmkt/pkg/exception"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDecodeQuoteVariants(t *testing.T) {
	book, err := DecodeQuote([]byte(`{"type":"book","instrument":"X","bids":[["0.44","10"],["0.45","0"],["0.43","5"]],"asks":[["0.48","1"],["0.47","2"]]}`))
	require.NoError(t, err)
	assert.Equal(t, "X", book.Instrument)
	assert.True(t, book.Bid.Equal(d("0.44")), "zero-size levels are ignored")
	assert.True(t, book.Ask.Equal(d("0.47")))

	ticker, err := DecodeQuote([]byte(`{"type":"ticker","instrument":"Y","bid":"0.3","ask":0.32,"ts":1700000000000}`))
	require.NoError(t, err)
	assert.True(t, ticker.Bid.Equal(d("0.3")))
	assert.True(t, ticker.Ask.Equal(d("0.32")))
	assert.Equal(t, int64(1700000000000), ticker.At.UnixMilli())

	last, err := DecodeQuote([]byte(`{"type":"last","instrument":"Z","price":"0.61"}`))
	require.NoError(t, err)
	mid, ok := last.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(d("0.61")))
}

func TestDecodeQuoteErrors(t *testing.T) {
	_, err := DecodeQuote([]byte(`{"type":"candle","instrument":"X"}`))
	assert.True(t, errors.Is(err, exception.ErrVenueUnknownPayload), "err: %v", err)

	_, err = DecodeQuote([]byte(`not json`))
	assert.True(t, errors.Is(err, exception.ErrVenueUnknownPayload), "err: %v", err)

	_, err = DecodeQuote([]byte(`{"type":"book","instrument":"X","bids":[],"asks":[]}`))
	assert.True(t, errors.Is(err, exception.ErrVenueEmptyBook), "err: %v", err)

	_, err = DecodeQuote([]byte(`{"type":"last","instrument":"X","price":"0"}`))
	assert.True(t, errors.Is(err, exception.ErrVenueEmptyBook), "err: %v", err)
}

func TestQuoteMid(t *testing.T) {
	mid, ok := Quote{Bid: d("0.4"), Ask: d("0.5")}.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(d("0.45")))

	mid, ok = Quote{Ask: d("0.5")}.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(d("0.5")))

	_, ok = Quote{}.Mid()
	assert.False(t, ok)
}

func TestParseOrderState(t *testing.T) {
	assert.Equal(t, OrderStateFilled, ParseOrderState("filled"))
	assert.Equal(t, OrderStateCanceled, ParseOrderState("cancelled"))
	assert.Equal(t, OrderStateUnknown, ParseOrderState("???"))
}
