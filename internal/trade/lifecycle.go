package trade

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"predmkt/internal/ledger"
	"predmkt/internal/market"
	"predmkt/internal/schema"
	"predmkt/pkg/exception"
)

// Balance reasons journaled with BalanceAdjusted.
const (
	ReasonDeposit  = "deposit"
	ReasonWithdraw = "withdraw"
)

// Deposit credits cash to an owner.
func (e *Executor) Deposit(ctx context.Context, owner string, amount decimal.Decimal) (schema.Balance, error) {
	return e.adjust(ctx, owner, amount, ReasonDeposit)
}

// Withdraw debits available cash from an owner.
func (e *Executor) Withdraw(ctx context.Context, owner string, amount decimal.Decimal) (schema.Balance, error) {
	return e.adjust(ctx, owner, amount, ReasonWithdraw)
}

func (e *Executor) adjust(ctx context.Context, owner string, amount decimal.Decimal, reason string) (schema.Balance, error) {
	if err := ctx.Err(); err != nil {
		return schema.Balance{}, err
	}
	if owner == "" {
		return schema.Balance{}, errors.Wrap(exception.ErrInvalidArgument, "owner is empty")
	}
	if !amount.IsPositive() {
		return schema.Balance{}, errors.Wrapf(exception.ErrNonPositiveAmount, "%s: %s", reason, amount)
	}
	if !amount.Equal(amount.Truncate(e.cfg.CashDecimals)) {
		return schema.Balance{}, errors.Wrapf(exception.ErrInvalidArgument, "%s %s exceeds %d decimals", reason, amount, e.cfg.CashDecimals)
	}

	tx := e.deps.Ledger.Begin(ledger.Key{Owner: owner, Instrument: schema.CashSymbol})
	defer tx.Rollback()

	var err error
	if reason == ReasonDeposit {
		err = tx.Credit(owner, schema.CashSymbol, amount)
	} else {
		err = tx.Debit(owner, schema.CashSymbol, amount)
	}
	if err != nil {
		return schema.Balance{}, err
	}

	ev := schema.BalanceAdjusted{
		EventID: uuid.NewString(),
		Reason:  reason,
		Deltas:  tx.Deltas(),
		At:      e.now(),
	}
	if err := e.journal(schema.SourceAdmin, 0, ev); err != nil {
		return schema.Balance{}, err
	}
	b, _ := tx.View(owner, schema.CashSymbol)
	tx.Commit()

	if e.deps.Bus != nil {
		e.deps.Bus.Publish(schema.SourceAdmin, ev)
	}
	return b, nil
}

// CreateMarket registers a new market and maps its venue instruments.
func (e *Executor) CreateMarket(ctx context.Context, m schema.Market) (schema.Market, error) {
	if err := ctx.Err(); err != nil {
		return schema.Market{}, err
	}

	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	m, err := market.Normalize(m)
	if err != nil {
		return schema.Market{}, err
	}
	if e.deps.Arena.Exists(m.ID) {
		return schema.Market{}, errors.Wrapf(exception.ErrMarketExists, "market: %s", m.ID)
	}
	if e.deps.Registry != nil {
		for _, o := range m.Outcomes {
			if o.VenueInstrument == "" {
				continue
			}
			if owner, ok := e.deps.Registry.Outcome(o.VenueInstrument); ok && (owner.MarketID != m.ID || owner.Outcome != o.Index) {
				return schema.Market{}, errors.Wrapf(exception.ErrInvalidArgument, "instrument %s already mapped to %s:%d", o.VenueInstrument, owner.MarketID, owner.Outcome)
			}
		}
	}

	ev := schema.MarketLifecycle{EventID: uuid.NewString(), Market: m, Status: m.Status, At: e.now()}
	if err := e.journal(schema.SourceAdmin, 0, ev); err != nil {
		return schema.Market{}, err
	}
	created, err := e.deps.Arena.Create(m)
	if err != nil {
		return schema.Market{}, err
	}
	if err := MapInstruments(e.deps.Registry, created); err != nil {
		return schema.Market{}, err
	}

	logs.Infof("trade: market %s created, type: %s, b: %v, outcomes: %d", created.ID, created.Type, created.B, len(created.Outcomes))
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(schema.SourceAdmin, ev)
	}
	return created, nil
}

// MapInstruments registers the venue instrument of every mapped outcome.
func MapInstruments(r *schema.Registry, m schema.Market) error {
	if r == nil {
		return nil
	}
	for _, o := range m.Outcomes {
		if o.VenueInstrument == "" {
			continue
		}
		if err := r.Map(m.ID, o.Index, o.VenueInstrument); err != nil {
			return errors.Wrapf(err, "market: %s", m.ID)
		}
	}
	return nil
}

// CloseMarket stops trading on an active market. Pending hedges of the
// market are abandoned by the dispatcher.
func (e *Executor) CloseMarket(ctx context.Context, marketID string) (schema.Market, error) {
	if err := ctx.Err(); err != nil {
		return schema.Market{}, err
	}

	var ev schema.MarketLifecycle
	err := e.deps.Arena.With(marketID, func(st *market.State) error {
		if st.Market.Status != schema.MarketStatusActive {
			return errors.Wrapf(exception.ErrMarketNotActive, "market: %s, status: %s", marketID, st.Market.Status)
		}
		st.Market.Status = schema.MarketStatusClosed
		ev = schema.MarketLifecycle{EventID: uuid.NewString(), Market: st.Market.Clone(), Status: st.Market.Status, At: e.now()}
		return e.journal(schema.SourceAdmin, 0, ev)
	})
	if err != nil {
		return schema.Market{}, err
	}

	logs.Infof("trade: market %s closed", marketID)
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(schema.SourceAdmin, ev)
	}
	return ev.Market, nil
}

// ResolveMarket settles a market: every winning share pays one unit of cash
// from the pool and every share of the market returns to the pool.
func (e *Executor) ResolveMarket(ctx context.Context, marketID string, winner int) (schema.Market, error) {
	if err := ctx.Err(); err != nil {
		return schema.Market{}, err
	}

	var ev schema.MarketLifecycle
	err := e.deps.Arena.With(marketID, func(st *market.State) error {
		m := &st.Market
		if m.Status == schema.MarketStatusResolved {
			return errors.Wrapf(exception.ErrMarketNotActive, "market: %s already resolved", marketID)
		}
		if winner < 0 || winner >= len(m.Outcomes) {
			return errors.Wrapf(exception.ErrInvalidOutcome, "market: %s, winner: %d", marketID, winner)
		}

		// Share rows of this market only move under the market lock, which
		// we hold, so the holder list cannot change before Begin.
		var holders []schema.Balance
		keys := []ledger.Key{{Owner: schema.PlatformPool, Instrument: schema.CashSymbol}}
		for _, b := range e.deps.Ledger.Snapshot() {
			id, _, ok := schema.ParseShareSymbol(b.Instrument)
			if !ok || id != marketID {
				continue
			}
			keys = append(keys, ledger.Key{Owner: b.Owner, Instrument: b.Instrument})
			if b.Owner == schema.PlatformPool {
				continue
			}
			keys = append(keys,
				ledger.Key{Owner: schema.PlatformPool, Instrument: b.Instrument},
				ledger.Key{Owner: b.Owner, Instrument: schema.CashSymbol},
			)
			holders = append(holders, b)
		}

		tx := e.deps.Ledger.Begin(keys...)
		defer tx.Rollback()

		winning := schema.ShareSymbol(marketID, winner)
		for _, h := range holders {
			if !h.Available.IsPositive() {
				continue
			}
			if err := tx.Debit(h.Owner, h.Instrument, h.Available); err != nil {
				return err
			}
			if err := tx.Credit(schema.PlatformPool, h.Instrument, h.Available); err != nil {
				return err
			}
			if h.Instrument != winning {
				continue
			}
			if err := tx.Debit(schema.PlatformPool, schema.CashSymbol, h.Available); err != nil {
				return err
			}
			if err := tx.Credit(h.Owner, schema.CashSymbol, h.Available); err != nil {
				return err
			}
		}

		m.Status = schema.MarketStatusResolved
		m.Winner = winner
		ev = schema.MarketLifecycle{
			EventID: uuid.NewString(),
			Market:  m.Clone(),
			Status:  m.Status,
			Deltas:  tx.Deltas(),
			At:      e.now(),
		}
		if err := e.journal(schema.SourceAdmin, 0, ev); err != nil {
			return err
		}
		tx.Commit()
		return nil
	})
	if err != nil {
		return schema.Market{}, err
	}

	logs.Infof("trade: market %s resolved, winner: %d, movements: %d", marketID, winner, len(ev.Deltas))
	if e.deps.Exposure != nil {
		e.deps.Exposure.ReleaseMarket(marketID)
	}
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(schema.SourceAdmin, ev)
	}
	return ev.Market, nil
}
