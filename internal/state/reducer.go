package state

import (
	"github.com/yanun0323/errors"

	"predmkt/internal/codec"
	"predmkt/internal/exposure"
	"predmkt/internal/ledger"
	"predmkt/internal/market"
	"predmkt/internal/schema"
)

// Reducer rebuilds markets, balances and unhedged exposure from journaled
// events. Exposure may be nil.
type Reducer struct {
	Arena    *market.Arena
	Ledger   *ledger.Ledger
	Exposure *exposure.Monitor
}

// NewReducer creates a reducer over empty state.
func NewReducer(exp exposure.Config) *Reducer {
	return &Reducer{
		Arena:    market.NewArena(),
		Ledger:   ledger.New(ledger.WithIssuer(schema.PlatformPool)),
		Exposure: exposure.NewMonitor(exp),
	}
}

// Apply decodes one journaled record and folds it into the state.
func (r *Reducer) Apply(header schema.EventHeader, payload []byte) error {
	if header.Type == schema.EventOutboxAck || header.Type == schema.EventPriceUpdated {
		return nil
	}
	ev, err := codec.Decode(header.Type, payload)
	if err != nil {
		return errors.Wrapf(err, "seq: %d", header.Seq)
	}

	switch ev := ev.(type) {
	case schema.TradeExecuted:
		r.Ledger.ApplyDeltas(ev.Deltas)
		if err := r.setQ(ev.MarketID, ev.Q, nil); err != nil {
			return err
		}
		if r.Exposure != nil {
			r.Exposure.OnTradeExecuted(ev.TradeID, ev.MarketID, ev.Cash)
		}
	case schema.MarketRepriced:
		return r.setQ(ev.MarketID, ev.Q, &ev.Halted)
	case schema.BalanceAdjusted:
		r.Ledger.ApplyDeltas(ev.Deltas)
	case schema.MarketLifecycle:
		r.lifecycle(ev)
	case schema.HedgeStatusChanged:
		if r.Exposure != nil {
			r.Exposure.OnHedgeStatus(ev.Record)
		}
	}
	return nil
}

func (r *Reducer) setQ(marketID string, q []float64, halted *bool) error {
	return r.Arena.With(marketID, func(st *market.State) error {
		if len(q) != len(st.Market.Q) {
			return errors.Errorf("market %s has %d outcomes, event carries %d", marketID, len(st.Market.Q), len(q))
		}
		st.SetQ(q)
		if halted != nil {
			st.Halted = *halted
		}
		return nil
	})
}

func (r *Reducer) lifecycle(ev schema.MarketLifecycle) {
	if !r.Arena.Exists(ev.Market.ID) {
		r.Arena.Put(ev.Market, false)
	} else {
		_ = r.Arena.With(ev.Market.ID, func(st *market.State) error {
			st.Market.Status = ev.Status
			st.Market.Winner = ev.Market.Winner
			return nil
		})
	}
	r.Ledger.ApplyDeltas(ev.Deltas)
	if ev.Status == schema.MarketStatusResolved && r.Exposure != nil {
		r.Exposure.ReleaseMarket(ev.Market.ID)
	}
}
