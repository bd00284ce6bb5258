package trade

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"predmkt/internal/codec"
	"predmkt/internal/ledger"
	"predmkt/internal/market"
	"predmkt/internal/obs"
	"predmkt/internal/outbox"
	"predmkt/internal/schema"
	"predmkt/pkg/exception"
)

const priceDecimals = 8

var (
	one            = decimal.NewFromInt(1)
	bpsDenominator = 10_000.0
)

// Journal durably records events before they take effect.
type Journal interface {
	Append(header schema.EventHeader, payload []byte) (uint64, error)
}

// Exposure gates new positions and tracks unhedged notional.
type Exposure interface {
	CanTrade(marketID string) bool
	OnTradeExecuted(tradeID, marketID string, notional decimal.Decimal)
	ReleaseMarket(marketID string)
}

// Publisher broadcasts events.
type Publisher interface {
	Publish(source uint16, value any)
}

// Deps are the collaborators of an executor. Exposure, Bus, Metrics and
// Registry may be nil.
type Deps struct {
	Arena    *market.Arena
	Ledger   *ledger.Ledger
	Journal  Journal
	Exposure Exposure
	Bus      Publisher
	Metrics  *obs.Metrics
	Registry *schema.Registry
}

// Executor prices, settles and journals user orders against the AMM pool.
type Executor struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	adminMu sync.Mutex

	ordersMu sync.RWMutex
	orders   map[string]schema.Order
}

// NewExecutor wires an executor.
func NewExecutor(cfg Config, deps Deps) (*Executor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Arena == nil || deps.Ledger == nil || deps.Journal == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "executor needs arena, ledger and journal")
	}
	return &Executor{
		cfg:    cfg,
		deps:   deps,
		now:    func() time.Time { return time.Now().UTC() },
		orders: make(map[string]schema.Order),
	}, nil
}

// settlement is the priced outcome of an order before it touches the ledger.
// For buys cash = pool + markup, for sells pool = cash + markup.
type settlement struct {
	status schema.OrderStatus
	shares decimal.Decimal
	cash   decimal.Decimal
	pool   decimal.Decimal
	markup decimal.Decimal
	avg    decimal.Decimal
}

// Execute runs one order to completion. A nil error means the trade is
// journaled and committed.
func (e *Executor) Execute(ctx context.Context, userID string, req schema.OrderRequest) (schema.Fill, error) {
	start := time.Now()
	order := schema.Order{
		ID:         uuid.NewString(),
		UserID:     userID,
		MarketID:   req.MarketID,
		Outcome:    req.Outcome,
		Side:       req.Side,
		Kind:       req.Kind,
		Amount:     req.Amount,
		LimitPrice: req.LimitPrice,
		CreatedAt:  e.now(),
	}

	fill, err := e.execute(ctx, &order, req)
	if err != nil {
		order.Status = schema.OrderStatusRejected
		order.Reason = err.Error()
		fill = schema.Fill{}
		logs.Warnf("trade: order %s rejected, user: %s, market: %s, err: %+v", order.ID, userID, req.MarketID, err)
	}
	e.record(order)
	e.deps.Metrics.ObserveOrder(order.Status, time.Since(start))
	if err != nil {
		return fill, errors.Wrapf(err, "order: %s", order.ID)
	}
	return fill, nil
}

func (e *Executor) execute(ctx context.Context, order *schema.Order, req schema.OrderRequest) (schema.Fill, error) {
	if err := ctx.Err(); err != nil {
		return schema.Fill{}, err
	}
	if err := e.validate(order.UserID, req); err != nil {
		return schema.Fill{}, err
	}

	if req.Side == schema.OrderSideBuy {
		if req.Amount.LessThan(e.cfg.MinTrade) || (e.cfg.MaxTrade.IsPositive() && req.Amount.GreaterThan(e.cfg.MaxTrade)) {
			return schema.Fill{}, errors.Wrapf(exception.ErrOutOfBounds, "amount: %s, bounds: [%s, %s]", req.Amount, e.cfg.MinTrade, e.cfg.MaxTrade)
		}
		if e.deps.Exposure != nil && !e.deps.Exposure.CanTrade(req.MarketID) {
			e.deps.Metrics.IncExposureBlock()
			return schema.Fill{}, errors.Wrapf(exception.ErrExposureLimitReached, "market: %s", req.MarketID)
		}
	}

	var (
		trade schema.TradeExecuted
		fill  schema.Fill
	)
	err := e.deps.Arena.With(req.MarketID, func(st *market.State) error {
		m := &st.Market
		if m.Status != schema.MarketStatusActive {
			return errors.Wrapf(exception.ErrMarketNotActive, "market: %s, status: %s", m.ID, m.Status)
		}
		if req.Outcome < 0 || req.Outcome >= len(m.Q) {
			return errors.Wrapf(exception.ErrInvalidOutcome, "market: %s, outcome: %d", m.ID, req.Outcome)
		}
		if req.Side == schema.OrderSideBuy && st.Halted {
			return errors.Wrapf(exception.ErrMarketHalted, "market: %s", m.ID)
		}

		user := order.UserID
		share := schema.ShareSymbol(m.ID, req.Outcome)
		tx := e.deps.Ledger.Begin(
			ledger.Key{Owner: user, Instrument: schema.CashSymbol},
			ledger.Key{Owner: user, Instrument: share},
			ledger.Key{Owner: schema.PlatformPool, Instrument: schema.CashSymbol},
			ledger.Key{Owner: schema.PlatformPool, Instrument: share},
			ledger.Key{Owner: schema.PlatformRevenue, Instrument: schema.CashSymbol},
		)
		defer tx.Rollback()

		var (
			s      settlement
			deltaQ float64
			err    error
		)
		switch req.Side {
		case schema.OrderSideBuy:
			if err := tx.Lock(user, schema.CashSymbol, req.Amount); err != nil {
				return err
			}
			if s, err = e.planBuy(m, req); err != nil {
				return err
			}
			if err := settleBuy(tx, user, share, req.Amount, s); err != nil {
				return err
			}
			deltaQ = s.shares.InexactFloat64()
		default:
			if err := tx.Lock(user, share, req.Amount); err != nil {
				return err
			}
			if s, err = e.planSell(m, req); err != nil {
				return err
			}
			if err := settleSell(tx, user, share, req.Amount, s); err != nil {
				return err
			}
			deltaQ = -s.shares.InexactFloat64()
		}

		q := append([]float64(nil), m.Q...)
		q[req.Outcome] += deltaQ
		trade = schema.TradeExecuted{
			EventID:   uuid.NewString(),
			TradeID:   uuid.NewString(),
			OrderID:   order.ID,
			UserID:    user,
			MarketID:  m.ID,
			Outcome:   req.Outcome,
			Side:      req.Side,
			Status:    s.status,
			Shares:    s.shares,
			AvgPrice:  s.avg,
			Cash:      s.cash,
			Markup:    s.markup,
			DeltaQ:    deltaQ,
			Deltas:    tx.Deltas(),
			Q:         q,
			CreatedAt: e.now(),
		}
		if err := e.journal(schema.SourceExecutor, outbox.FlagDeliver, trade); err != nil {
			return err
		}

		tx.Commit()
		st.Apply(req.Outcome, deltaQ)

		fill = schema.Fill{
			OrderID:       order.ID,
			TradeID:       trade.TradeID,
			MarketID:      m.ID,
			Outcome:       req.Outcome,
			Side:          req.Side,
			Status:        s.status,
			FilledQty:     s.shares,
			AvgPrice:      s.avg,
			Cash:          s.cash,
			Markup:        s.markup,
			Probabilities: m.Probabilities(),
		}
		return nil
	})
	if err != nil {
		return schema.Fill{}, err
	}

	order.Status = fill.Status
	order.FilledQty = fill.FilledQty
	order.AvgPrice = fill.AvgPrice

	if e.deps.Exposure != nil {
		e.deps.Exposure.OnTradeExecuted(trade.TradeID, trade.MarketID, trade.Cash)
	}
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(schema.SourceExecutor, trade)
		e.deps.Bus.Publish(schema.SourceExecutor, schema.PriceUpdated{
			EventID:       uuid.NewString(),
			MarketID:      trade.MarketID,
			Q:             trade.Q,
			Probabilities: fill.Probabilities,
			Source:        schema.SourceExecutor,
			At:            trade.CreatedAt,
		})
	}
	return fill, nil
}

func (e *Executor) validate(userID string, req schema.OrderRequest) error {
	switch {
	case userID == "":
		return errors.Wrap(exception.ErrInvalidOrder, "user id is empty")
	case userID == schema.PlatformPool || userID == schema.PlatformRevenue:
		return errors.Wrapf(exception.ErrInvalidOrder, "platform account %s cannot trade", userID)
	case req.MarketID == "":
		return errors.Wrap(exception.ErrInvalidOrder, "market id is empty")
	case req.Side != schema.OrderSideBuy && req.Side != schema.OrderSideSell:
		return errors.Wrapf(exception.ErrUnsupportedSide, "side: %d", req.Side)
	case req.Kind != schema.OrderKindMarket && req.Kind != schema.OrderKindLimit:
		return errors.Wrapf(exception.ErrUnsupportedKind, "kind: %d", req.Kind)
	case !req.Amount.IsPositive():
		return errors.Wrapf(exception.ErrInvalidOrder, "amount must be positive, got %s", req.Amount)
	case req.Kind == schema.OrderKindLimit && !req.LimitPrice.IsPositive():
		return errors.Wrapf(exception.ErrInvalidOrder, "limit price must be positive, got %s", req.LimitPrice)
	case req.Side == schema.OrderSideSell && !req.Amount.Equal(req.Amount.Truncate(e.cfg.ShareDecimals)):
		return errors.Wrapf(exception.ErrInvalidOrder, "shares %s exceed %d decimals", req.Amount, e.cfg.ShareDecimals)
	}
	return nil
}

func settleBuy(tx *ledger.Tx, user, share string, locked decimal.Decimal, s settlement) error {
	if err := tx.Unlock(user, schema.CashSymbol, locked); err != nil {
		return err
	}
	if err := tx.Debit(user, schema.CashSymbol, s.cash); err != nil {
		return err
	}
	if err := tx.Credit(schema.PlatformPool, schema.CashSymbol, s.pool); err != nil {
		return err
	}
	if err := creditMarkup(tx, s.markup); err != nil {
		return err
	}
	if err := tx.Debit(schema.PlatformPool, share, s.shares); err != nil {
		return err
	}
	return tx.Credit(user, share, s.shares)
}

func settleSell(tx *ledger.Tx, user, share string, locked decimal.Decimal, s settlement) error {
	if err := tx.Unlock(user, share, locked); err != nil {
		return err
	}
	if err := tx.Debit(user, share, s.shares); err != nil {
		return err
	}
	if err := tx.Credit(schema.PlatformPool, share, s.shares); err != nil {
		return err
	}
	if err := tx.Debit(schema.PlatformPool, schema.CashSymbol, s.pool); err != nil {
		return err
	}
	if err := tx.Credit(user, schema.CashSymbol, s.cash); err != nil {
		return err
	}
	return creditMarkup(tx, s.markup)
}

func creditMarkup(tx *ledger.Tx, markup decimal.Decimal) error {
	if !markup.IsPositive() {
		return nil
	}
	return tx.Credit(schema.PlatformRevenue, schema.CashSymbol, markup)
}

// journal appends one event to the outbox.
func (e *Executor) journal(source, flags uint16, value any) error {
	typ, payload, err := codec.Encode(value)
	if err != nil {
		return err
	}
	now := e.now().UnixNano()
	header := schema.NewHeader(typ, source, 0, now, now)
	header.Flags = flags

	start := time.Now()
	if _, err := e.deps.Journal.Append(header, payload); err != nil {
		return errors.Wrapf(err, "journal %s", typ)
	}
	e.deps.Metrics.ObserveAppend(time.Since(start))
	return nil
}

func (e *Executor) record(order schema.Order) {
	e.ordersMu.Lock()
	e.orders[order.ID] = order
	e.ordersMu.Unlock()
}

// Order returns a recorded order, rejected ones included.
func (e *Executor) Order(id string) (schema.Order, bool) {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	o, ok := e.orders[id]
	return o, ok
}

// Orders returns every recorded order of a user.
func (e *Executor) Orders(userID string) []schema.Order {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	var out []schema.Order
	for _, o := range e.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
