package exposure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"predmkt/internal/bus"
	"predmkt/internal/schema"
)

// Config defines the unhedged exposure caps. A zero cap is unlimited.
type Config struct {
	KillSwitch   bool            `json:"killSwitch"`
	MaxPerMarket decimal.Decimal `json:"maxPerMarket"`
	MaxPlatform  decimal.Decimal `json:"maxPlatform"`
}

// Reason explains why the gate is closed.
type Reason uint16

const (
	ReasonNone Reason = iota
	ReasonMarketCap
	ReasonPlatformCap
	ReasonKillSwitch
)

func (r Reason) String() string {
	switch r {
	case ReasonMarketCap:
		return "market_cap"
	case ReasonPlatformCap:
		return "platform_cap"
	case ReasonKillSwitch:
		return "kill_switch"
	default:
		return "none"
	}
}

// Decision is the gate result for one market.
type Decision struct {
	Allowed     bool
	Reason      Reason
	MarketID    string
	Market      decimal.Decimal
	Platform    decimal.Decimal
	MaxMarket   decimal.Decimal
	MaxPlatform decimal.Decimal
}

// Snapshot is a derived point-in-time view of unhedged exposure.
type Snapshot struct {
	PerMarket map[string]decimal.Decimal `json:"perMarket"`
	Platform  decimal.Decimal            `json:"platform"`
	At        time.Time                  `json:"at"`
}

// Open is one trade whose hedge has not completed. Notional is what is
// still unhedged out of the trade's Gross notional.
type Open struct {
	TradeID  string          `json:"tradeId"`
	MarketID string          `json:"marketId"`
	Notional decimal.Decimal `json:"notional"`
	Gross    decimal.Decimal `json:"gross,omitempty"`
}

// Monitor tracks unhedged notional per market and for the platform.
// Every update is idempotent per trade id, so duplicate deliveries and
// out-of-order hedge results are harmless.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	open      map[string]Open
	settled   map[string]struct{}
	perMarket map[string]decimal.Decimal
	platform  decimal.Decimal
}

// NewMonitor creates a monitor. Caps can be replaced later with SetConfig.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:       cfg,
		open:      make(map[string]Open),
		settled:   make(map[string]struct{}),
		perMarket: make(map[string]decimal.Decimal),
	}
}

// OnTradeExecuted adds the trade's notional until its hedge completes.
func (m *Monitor) OnTradeExecuted(tradeID, marketID string, notional decimal.Decimal) {
	notional = notional.Abs()
	if tradeID == "" || notional.IsZero() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.open[tradeID]; ok {
		return
	}
	if _, ok := m.settled[tradeID]; ok {
		return
	}
	m.add(Open{TradeID: tradeID, MarketID: marketID, Notional: notional, Gross: notional})
}

func (m *Monitor) add(o Open) {
	m.open[o.TradeID] = o
	m.perMarket[o.MarketID] = m.perMarket[o.MarketID].Add(o.Notional)
	m.platform = m.platform.Add(o.Notional)
}

// OnHedgeStatus removes the trade's notional once it is hedged, and the
// hedged share of it after a partial venue fill. A hedge that failed
// because its market closed no longer carries exposure. Other failures
// keep the unhedged rest.
func (m *Monitor) OnHedgeStatus(rec schema.HedgeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case rec.Status == schema.HedgeStatusHedged,
		rec.Status == schema.HedgeStatusFailed && rec.Reason == schema.HedgeReasonMarketClosed:
		m.settle(rec.TradeID)
		return
	case !rec.Filled.IsPositive() || !rec.Qty.IsPositive():
		return
	case rec.Filled.GreaterThanOrEqual(rec.Qty):
		m.settle(rec.TradeID)
		return
	}

	o, ok := m.open[rec.TradeID]
	if !ok {
		return
	}
	left := o.Gross.Mul(rec.Qty.Sub(rec.Filled)).Div(rec.Qty)
	if left.GreaterThanOrEqual(o.Notional) {
		return
	}
	m.reduce(o.MarketID, o.Notional.Sub(left))
	o.Notional = left
	m.open[rec.TradeID] = o
}

// ReleaseMarket drops the exposure of every open trade of a resolved
// market. Later updates for those trades are ignored.
func (m *Monitor) ReleaseMarket(marketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released int
	for id, o := range m.open {
		if o.MarketID != marketID {
			continue
		}
		m.settle(id)
		released++
	}
	if released > 0 {
		logs.Infof("exposure: market %s released, trades: %d", marketID, released)
	}
}

func (m *Monitor) settle(tradeID string) {
	m.settled[tradeID] = struct{}{}
	o, ok := m.open[tradeID]
	if !ok {
		return
	}
	delete(m.open, tradeID)
	m.reduce(o.MarketID, o.Notional)
}

func (m *Monitor) reduce(marketID string, amount decimal.Decimal) {
	left := m.perMarket[marketID].Sub(amount)
	if left.Sign() <= 0 {
		delete(m.perMarket, marketID)
	} else {
		m.perMarket[marketID] = left
	}
	m.platform = m.platform.Sub(amount)
}

// SetConfig replaces the caps and the kill switch.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// CanTrade reports whether new positions may be opened on the market.
func (m *Monitor) CanTrade(marketID string) bool {
	return m.Evaluate(marketID).Allowed
}

// Evaluate applies the caps to the current exposure of a market.
func (m *Monitor) Evaluate(marketID string) Decision {
	m.mu.Lock()
	cfg := m.cfg
	market := m.perMarket[marketID]
	platform := m.platform
	m.mu.Unlock()

	decision := Decision{
		Allowed:     true,
		Reason:      ReasonNone,
		MarketID:    marketID,
		Market:      market,
		Platform:    platform,
		MaxMarket:   cfg.MaxPerMarket,
		MaxPlatform: cfg.MaxPlatform,
	}

	if cfg.KillSwitch {
		decision.Allowed = false
		decision.Reason = ReasonKillSwitch
		return decision
	}
	if cfg.MaxPerMarket.IsPositive() && market.GreaterThan(cfg.MaxPerMarket) {
		decision.Allowed = false
		decision.Reason = ReasonMarketCap
		return decision
	}
	if cfg.MaxPlatform.IsPositive() && platform.GreaterThan(cfg.MaxPlatform) {
		decision.Allowed = false
		decision.Reason = ReasonPlatformCap
		return decision
	}
	return decision
}

// Snapshot returns the current exposure.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	per := make(map[string]decimal.Decimal, len(m.perMarket))
	for k, v := range m.perMarket {
		per[k] = v
	}
	return Snapshot{PerMarket: per, Platform: m.platform, At: time.Now().UTC()}
}

// Export lists open trades ordered by trade id, for state snapshots.
func (m *Monitor) Export() []Open {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Open, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out
}

// Restore adds previously exported open trades.
func (m *Monitor) Restore(open []Open) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range open {
		if o.TradeID == "" || !o.Notional.IsPositive() {
			continue
		}
		if _, ok := m.open[o.TradeID]; ok {
			continue
		}
		if !o.Gross.IsPositive() {
			o.Gross = o.Notional
		}
		m.add(o)
	}
}

// Run applies trade, hedge and market lifecycle events from the bus until
// the context ends or the queue closes. Events already applied by a direct
// call are ignored.
func (m *Monitor) Run(ctx context.Context, q *bus.Queue) {
	q.Run(ctx, func(e bus.Event) {
		switch v := e.Value.(type) {
		case schema.TradeExecuted:
			m.OnTradeExecuted(v.TradeID, v.MarketID, v.Cash)
		case schema.HedgeStatusChanged:
			m.OnHedgeStatus(v.Record)
		case schema.MarketLifecycle:
			if v.Status == schema.MarketStatusResolved {
				m.ReleaseMarket(v.Market.ID)
			}
		}
	})
	logs.Infof("exposure monitor stopped")
}
