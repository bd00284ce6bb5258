package trade

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"predmkt/internal/pricing"
	"predmkt/internal/schema"
	"predmkt/pkg/exception"
)

func (e *Executor) toShares(delta float64) decimal.Decimal {
	if !(delta > 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(delta).Truncate(e.cfg.ShareDecimals)
}

// limitMargin is the per-share distance kept from a limit price when sizing
// a partial fill, so cash rounding cannot push the average over the limit.
func (e *Executor) limitMargin() float64 {
	return decimal.New(1, -(e.cfg.CashDecimals - 1)).InexactFloat64()
}

func solve(m *schema.Market, i int, budget float64) float64 {
	if m.Type.IsBinary() {
		return pricing.BinaryShares(m.Q, m.B, i, budget)
	}
	return pricing.SolveShares(m.Q, m.B, i, budget)
}

// proceeds is the gross USD the pool pays for taking back delta shares.
func proceeds(m *schema.Market, i int, delta float64) float64 {
	return -pricing.CostOfTrade(m.Q, m.B, i, -delta)
}

// planBuy prices a buy of req.Amount USD, markup included.
func (e *Executor) planBuy(m *schema.Market, req schema.OrderRequest) (settlement, error) {
	i := req.Outcome
	factor := one.Add(e.cfg.MarkupRate)
	mf := factor.InexactFloat64()

	net := req.Amount.Div(factor).Truncate(e.cfg.CashDecimals)
	s := settlement{
		status: schema.OrderStatusFilled,
		shares: e.toShares(solve(m, i, net.InexactFloat64())),
		cash:   req.Amount,
		pool:   net,
		markup: req.Amount.Sub(net),
	}
	if !s.shares.IsPositive() {
		return s, errors.Wrapf(exception.ErrNoFill, "buy amount %s buys no shares", req.Amount)
	}
	s.avg = s.cash.DivRound(s.shares, priceDecimals)

	switch req.Kind {
	case schema.OrderKindLimit:
		limit := req.LimitPrice.InexactFloat64()
		tick := e.cfg.MarginalShares
		if mf*pricing.CostOfTrade(m.Q, m.B, i, tick)/tick > limit {
			return s, errors.Wrapf(exception.ErrSlippageExceeded, "price %v above limit %s", mf*pricing.Price(m.Q, m.B, i), req.LimitPrice)
		}
		if s.cash.LessThanOrEqual(req.LimitPrice.Mul(s.shares)) {
			return s, nil
		}
		if e.cfg.LimitPolicy == LimitPolicyReject {
			return s, errors.Wrapf(exception.ErrSlippageExceeded, "average %s above limit %s", s.avg, req.LimitPrice)
		}

		bound := limit - e.limitMargin()
		within := pricing.MaxSharesWithin(s.shares.InexactFloat64(), func(d float64) bool {
			return mf*pricing.CostOfTrade(m.Q, m.B, i, d) <= bound*d
		})
		shares := e.toShares(within)
		if !shares.IsPositive() {
			return s, errors.Wrapf(exception.ErrSlippageExceeded, "no size fits limit %s", req.LimitPrice)
		}
		cost := decimal.NewFromFloat(pricing.CostOfTrade(m.Q, m.B, i, shares.InexactFloat64())).RoundCeil(e.cfg.CashDecimals)
		pool := decimal.Min(cost, net)
		cash := decimal.Min(pool.Mul(factor).RoundCeil(e.cfg.CashDecimals), req.Amount)
		if cash.GreaterThan(req.LimitPrice.Mul(shares)) {
			return s, errors.Wrapf(exception.ErrSlippageExceeded, "partial size %s still above limit %s", shares, req.LimitPrice)
		}
		return settlement{
			status: schema.OrderStatusPartial,
			shares: shares,
			cash:   cash,
			pool:   pool,
			markup: cash.Sub(pool),
			avg:    cash.DivRound(shares, priceDecimals),
		}, nil

	default:
		if e.cfg.MaxSlippageBps <= 0 {
			return s, nil
		}
		ref := pricing.Price(m.Q, m.B, i) * mf
		avg := s.cash.Div(s.shares).InexactFloat64()
		if dev := (avg - ref) / ref * bpsDenominator; dev > float64(e.cfg.MaxSlippageBps) {
			return s, errors.Wrapf(exception.ErrSlippageExceeded, "average %v deviates %.1f bps from %v", avg, dev, ref)
		}
		return s, nil
	}
}

// planSell prices a sell of req.Amount shares. Markup is taken out of the
// gross proceeds.
func (e *Executor) planSell(m *schema.Market, req schema.OrderRequest) (settlement, error) {
	i := req.Outcome
	factor := one.Add(e.cfg.MarkupRate)
	mf := factor.InexactFloat64()

	price := func(shares decimal.Decimal) settlement {
		gross := decimal.NewFromFloat(proceeds(m, i, shares.InexactFloat64())).Truncate(e.cfg.CashDecimals)
		payout := gross.Div(factor).Truncate(e.cfg.CashDecimals)
		s := settlement{
			status: schema.OrderStatusFilled,
			shares: shares,
			cash:   payout,
			pool:   gross,
			markup: gross.Sub(payout),
		}
		if shares.IsPositive() {
			s.avg = payout.DivRound(shares, priceDecimals)
		}
		return s
	}

	s := price(req.Amount)
	if !s.cash.IsPositive() {
		return s, errors.Wrapf(exception.ErrNoFill, "selling %s shares pays nothing", req.Amount)
	}

	switch req.Kind {
	case schema.OrderKindLimit:
		limit := req.LimitPrice.InexactFloat64()
		tick := e.cfg.MarginalShares
		if proceeds(m, i, tick)/mf/tick < limit {
			return s, errors.Wrapf(exception.ErrSlippageExceeded, "price %v below limit %s", pricing.Price(m.Q, m.B, i)/mf, req.LimitPrice)
		}
		if s.cash.GreaterThanOrEqual(req.LimitPrice.Mul(s.shares)) {
			return s, nil
		}
		if e.cfg.LimitPolicy == LimitPolicyReject {
			return s, errors.Wrapf(exception.ErrSlippageExceeded, "average %s below limit %s", s.avg, req.LimitPrice)
		}

		bound := limit + e.limitMargin()
		within := pricing.MaxSharesWithin(s.shares.InexactFloat64(), func(d float64) bool {
			return proceeds(m, i, d)/mf >= bound*d
		})
		shares := e.toShares(within)
		if !shares.IsPositive() {
			return s, errors.Wrapf(exception.ErrSlippageExceeded, "no size fits limit %s", req.LimitPrice)
		}
		part := price(shares)
		if !part.cash.IsPositive() || part.cash.LessThan(req.LimitPrice.Mul(shares)) {
			return s, errors.Wrapf(exception.ErrSlippageExceeded, "partial size %s still below limit %s", shares, req.LimitPrice)
		}
		part.status = schema.OrderStatusPartial
		return part, nil

	default:
		if e.cfg.MaxSlippageBps <= 0 {
			return s, nil
		}
		ref := pricing.Price(m.Q, m.B, i) / mf
		avg := s.cash.Div(s.shares).InexactFloat64()
		if dev := (ref - avg) / ref * bpsDenominator; dev > float64(e.cfg.MaxSlippageBps) {
			return s, errors.Wrapf(exception.ErrSlippageExceeded, "average %v deviates %.1f bps from %v", avg, dev, ref)
		}
		return s, nil
	}
}
