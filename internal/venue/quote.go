package venue

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"predmkt/pkg/exception"
)

// Quote payload kinds accepted from venues.
const (
	PayloadBook   = "book"
	PayloadTicker = "ticker"
	PayloadLast   = "last"
)

// wireQuote is the union of every quote payload shape. Only the fields of
// the variant named by Type are meaningful.
type wireQuote struct {
	Type       string              `json:"type"`
	Instrument string              `json:"instrument"`
	Bids       [][]decimal.Decimal `json:"bids,omitempty"`
	Asks       [][]decimal.Decimal `json:"asks,omitempty"`
	Bid        decimal.Decimal     `json:"bid"`
	Ask        decimal.Decimal     `json:"ask"`
	Price      decimal.Decimal     `json:"price"`
	Ts         int64               `json:"ts,omitempty"`
}

// DecodeQuote turns a raw venue payload into a Quote. Unknown kinds fail
// with ErrVenueUnknownPayload.
func DecodeQuote(raw []byte) (Quote, error) {
	var w wireQuote
	if err := sonic.ConfigStd.Unmarshal(raw, &w); err != nil {
		return Quote{}, errors.Wrap(exception.ErrVenueUnknownPayload, err.Error())
	}

	q := Quote{Instrument: w.Instrument, At: time.Now().UTC()}
	if w.Ts > 0 {
		q.At = time.UnixMilli(w.Ts).UTC()
	}

	switch w.Type {
	case PayloadBook:
		bid, okBid := bestLevel(w.Bids, true)
		ask, okAsk := bestLevel(w.Asks, false)
		if !okBid && !okAsk {
			return Quote{}, errors.Wrapf(exception.ErrVenueEmptyBook, "instrument %s", w.Instrument)
		}
		q.Bid, q.Ask = bid, ask
	case PayloadTicker:
		if !w.Bid.IsPositive() && !w.Ask.IsPositive() {
			return Quote{}, errors.Wrapf(exception.ErrVenueEmptyBook, "instrument %s", w.Instrument)
		}
		q.Bid, q.Ask = w.Bid, w.Ask
	case PayloadLast:
		if !w.Price.IsPositive() {
			return Quote{}, errors.Wrapf(exception.ErrVenueEmptyBook, "instrument %s", w.Instrument)
		}
		q.Bid, q.Ask = w.Price, w.Price
	default:
		return Quote{}, errors.Wrapf(exception.ErrVenueUnknownPayload, "type %q", w.Type)
	}
	return q, nil
}

// bestLevel picks the highest bid or lowest ask among [price, size] levels
// with positive size.
func bestLevel(levels [][]decimal.Decimal, highest bool) (decimal.Decimal, bool) {
	var (
		best decimal.Decimal
		ok   bool
	)
	for _, lvl := range levels {
		if len(lvl) < 2 || !lvl[0].IsPositive() || !lvl[1].IsPositive() {
			continue
		}
		if !ok || (highest && lvl[0].GreaterThan(best)) || (!highest && lvl[0].LessThan(best)) {
			best, ok = lvl[0], true
		}
	}
	return best, ok
}
