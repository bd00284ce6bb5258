package hedge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"predmkt/internal/codec"
	"predmkt/internal/obs"
	"predmkt/internal/outbox"
	"predmkt/internal/schema"
	"predmkt/internal/venue"
	"predmkt/pkg/exception"
)

// DefaultNamespace seeds deterministic client order ids.
var DefaultNamespace = uuid.MustParse("6f1d2a7e-8c43-4b1e-9a55-0d3c2f7b9e10")

var bpsDenominator = decimal.NewFromInt(10_000)

// Config controls hedge placement and retry.
type Config struct {
	Workers        int
	MinSpreadBps   int64
	MaxAttempts    int
	Backoff        time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	PollInterval   time.Duration
	Namespace      uuid.UUID
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 3 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Namespace == uuid.Nil {
		c.Namespace = DefaultNamespace
	}
	return c
}

// Journal is the durable queue of executed trades.
type Journal interface {
	Pending() []outbox.Entry
	Notify() <-chan struct{}
	Ack(seq uint64) error
	Append(header schema.EventHeader, payload []byte) (uint64, error)
}

// Markets reports market lifecycle state. Closed returns a channel that is
// closed once the market stops trading.
type Markets interface {
	Status(marketID string) (schema.MarketStatus, bool)
	Closed(marketID string) <-chan struct{}
}

// Instruments maps outcomes to venue instruments.
type Instruments interface {
	Instrument(marketID string, outcome int) (string, bool)
}

// ExposureSink receives every hedge transition.
type ExposureSink interface {
	OnHedgeStatus(rec schema.HedgeRecord)
}

// Publisher broadcasts events.
type Publisher interface {
	Publish(source uint16, value any)
}

// Deps are the collaborators of a dispatcher. Exposure, Bus and Metrics
// may be nil.
type Deps struct {
	Journal     Journal
	Venue       venue.Client
	Markets     Markets
	Instruments Instruments
	Exposure    ExposureSink
	Bus         Publisher
	Metrics     *obs.Metrics
}

// Dispatcher places offsetting venue orders for journaled trades.
type Dispatcher struct {
	cfg     Config
	deps    Deps
	machine *StateMachine
	sleep   func(ctx context.Context, d time.Duration, stop <-chan struct{}) error

	mu       sync.Mutex
	inflight map[uint64]struct{}
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		machine:  NewStateMachine(),
		sleep:    sleepCtx,
		inflight: make(map[uint64]struct{}),
	}
}

// Machine exposes the hedge record state machine.
func (d *Dispatcher) Machine() *StateMachine {
	return d.machine
}

// ClientOrderID derives the venue client order id of a trade. Every attempt
// for the same trade uses the same id.
func ClientOrderID(namespace uuid.UUID, tradeID string) string {
	return uuid.NewSHA1(namespace, []byte(tradeID)).String()
}

// LegOrderID derives the client order id of the n-th venue order of a
// trade. Leg 0 is ClientOrderID; later legs re-dispatch the unfilled rest
// of a partial fill.
func LegOrderID(namespace uuid.UUID, tradeID string, leg int) string {
	if leg == 0 {
		return ClientOrderID(namespace, tradeID)
	}
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s/%d", tradeID, leg))).String()
}

// Run feeds pending outbox entries to the worker pool until the context is
// done. Entries are acknowledged once their hedge record is terminal.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobs := make(chan outbox.Entry)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				d.process(ctx, e)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.feed(ctx, jobs); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.deps.Journal.Notify():
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) feed(ctx context.Context, jobs chan<- outbox.Entry) error {
	for _, e := range d.deps.Journal.Pending() {
		if e.Header.Type != schema.EventTradeExecuted {
			continue
		}
		d.mu.Lock()
		_, busy := d.inflight[e.Seq()]
		if !busy {
			d.inflight[e.Seq()] = struct{}{}
		}
		d.mu.Unlock()
		if busy {
			continue
		}

		select {
		case jobs <- e:
		case <-ctx.Done():
			d.release(e.Seq())
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) release(seq uint64) {
	d.mu.Lock()
	delete(d.inflight, seq)
	d.mu.Unlock()
}

func (d *Dispatcher) process(ctx context.Context, e outbox.Entry) {
	defer d.release(e.Seq())

	trade, err := codec.DecodeTradeExecuted(e.Payload)
	if err != nil {
		logs.Errorf("hedge: drop undecodable trade, seq: %d, err: %+v", e.Seq(), err)
		if err := d.deps.Journal.Ack(e.Seq()); err != nil {
			logs.Errorf("hedge: ack seq %d, err: %+v", e.Seq(), err)
		}
		return
	}

	rec, err := d.Handle(ctx, trade)
	if err != nil {
		if ctx.Err() == nil {
			logs.Errorf("hedge: trade %s not settled, err: %+v", trade.TradeID, err)
		}
		return
	}
	if !rec.Status.IsTerminal() {
		return
	}
	if err := d.deps.Journal.Ack(e.Seq()); err != nil {
		logs.Errorf("hedge: ack seq %d, err: %+v", e.Seq(), err)
	}
}

// Handle runs the hedge sequence of one trade to a terminal record, unless
// the context ends first. A trade that already has a terminal record is
// not hedged again.
//
// A partial venue fill keeps the unfilled rest open: the next attempt
// orders only the rest under the next leg's client order id. Leg ids are
// deterministic, so a restarted hedge replays earlier legs from the venue's
// idempotency cache before it orders anything new.
func (d *Dispatcher) Handle(ctx context.Context, trade schema.TradeExecuted) (schema.HedgeRecord, error) {
	rec, err := d.machine.Open(schema.HedgeRecord{
		TradeID:       trade.TradeID,
		OrderID:       trade.OrderID,
		MarketID:      trade.MarketID,
		Outcome:       trade.Outcome,
		Side:          trade.Side,
		ClientOrderID: ClientOrderID(d.cfg.Namespace, trade.TradeID),
		Qty:           trade.Shares,
		Notional:      trade.Cash,
		UserPrice:     trade.AvgPrice,
	})
	switch {
	case err == nil:
		d.emit(rec, trade.CreatedAt)
	case errors.Is(err, ErrDuplicateRecord):
		if rec.Status.IsTerminal() {
			return rec, nil
		}
	default:
		return rec, err
	}

	instrument, ok := d.deps.Instruments.Instrument(trade.MarketID, trade.Outcome)
	if !ok {
		err := errors.Wrapf(exception.ErrUnmapped, "trade: %s, market: %s, outcome: %d", trade.TradeID, trade.MarketID, trade.Outcome)
		logs.Warnf("hedge: discard trade, err: %+v", err)
		return d.transition(trade, schema.HedgeStatusFailed, schema.HedgeReasonUnmapped, nil)
	}

	var fill legs
	for attempt := 0; ; attempt++ {
		if d.marketClosed(trade.MarketID) {
			logs.Infof("hedge: market %s closed, discard trade %s, filled: %s of %s", trade.MarketID, trade.TradeID, fill.filled, rec.Qty)
			return d.transition(trade, schema.HedgeStatusFailed, schema.HedgeReasonMarketClosed, func(r *schema.HedgeRecord) {
				fill.apply(r, instrument, attempt)
			})
		}

		order := venue.OrderRequest{
			ClientOrderID: LegOrderID(d.cfg.Namespace, trade.TradeID, fill.n),
			Instrument:    instrument,
			Side:          rec.Side,
			Qty:           rec.Qty.Sub(fill.filled),
		}
		res, reason, err := d.attempt(ctx, rec, order)
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		if err == nil {
			fill.add(res)
			if fill.filled.GreaterThanOrEqual(rec.Qty) {
				return d.transition(trade, schema.HedgeStatusHedged, schema.HedgeReasonNone, func(r *schema.HedgeRecord) {
					fill.apply(r, instrument, attempt+1)
				})
			}
			reason = schema.HedgeReasonPartialFill
			err = errors.Errorf("partial venue fill, filled: %s of %s", fill.filled, rec.Qty)
			logs.Warnf("hedge: trade %s, %s", trade.TradeID, err.Error())
		}

		if attempt+1 >= d.cfg.MaxAttempts {
			logs.Errorf("hedge: giving up, trade: %s, attempts: %d, reason: %s, err: %+v", trade.TradeID, attempt+1, reason, err)
			return d.transition(trade, schema.HedgeStatusFailed, reason, func(r *schema.HedgeRecord) {
				fill.apply(r, instrument, attempt+1)
			})
		}

		rec, err = d.transition(trade, schema.HedgeStatusRetry, reason, func(r *schema.HedgeRecord) {
			fill.apply(r, instrument, attempt+1)
		})
		if err != nil {
			return rec, err
		}
		if err := d.sleep(ctx, d.backoff(attempt), d.closed(trade.MarketID)); err != nil {
			return rec, err
		}
	}
}

// attempt quotes the instrument, checks the acceptable price bar and places
// one immediate-or-cancel order at the bar. A nil error means the venue
// filled some quantity.
func (d *Dispatcher) attempt(ctx context.Context, rec schema.HedgeRecord, order venue.OrderRequest) (venue.OrderResult, schema.HedgeReason, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	quote, err := d.deps.Venue.BestPrice(ctx, order.Instrument)
	if err != nil {
		return venue.OrderResult{}, venueReason(err), err
	}

	limit, ok := d.priceBar(rec, quote)
	if !ok {
		return venue.OrderResult{}, schema.HedgeReasonSpreadUnavailable,
			errors.Errorf("spread unavailable, bid: %s, ask: %s, user price: %s", quote.Bid, quote.Ask, rec.UserPrice)
	}

	order.Price = limit
	res, err := d.deps.Venue.PlaceOrder(ctx, order)
	if err != nil {
		return venue.OrderResult{}, venueReason(err), err
	}

	switch res.State {
	case venue.OrderStateFilled:
		if !res.FilledQty.IsPositive() {
			res.FilledQty = order.Qty
		}
		return res, schema.HedgeReasonNone, nil
	case venue.OrderStatePartFilled:
		if !res.FilledQty.IsPositive() {
			return res, schema.HedgeReasonRetriesExhausted, exception.ErrNoFill
		}
		return res, schema.HedgeReasonNone, nil
	case venue.OrderStateRejected:
		return res, schema.HedgeReasonVenueRejected, errors.Wrap(exception.ErrVenueRejected, "order rejected")
	default:
		return res, schema.HedgeReasonRetriesExhausted, exception.ErrNoFill
	}
}

// priceBar returns the limit price a hedge must not cross. A buy hedge
// needs ask <= user*(1-bps), a sell hedge needs bid >= user*(1+bps).
func (d *Dispatcher) priceBar(rec schema.HedgeRecord, q venue.Quote) (decimal.Decimal, bool) {
	margin := decimal.NewFromInt(d.cfg.MinSpreadBps).Div(bpsDenominator)
	switch rec.Side {
	case schema.OrderSideBuy:
		limit := rec.UserPrice.Mul(decimal.NewFromInt(1).Sub(margin))
		return limit, q.Ask.IsPositive() && q.Ask.LessThanOrEqual(limit)
	case schema.OrderSideSell:
		limit := rec.UserPrice.Mul(decimal.NewFromInt(1).Add(margin))
		return limit, q.Bid.IsPositive() && q.Bid.GreaterThanOrEqual(limit)
	default:
		return decimal.Zero, false
	}
}

// legs accumulates the venue fills of one hedge.
type legs struct {
	n          int
	filled     decimal.Decimal
	cost       decimal.Decimal
	fee        decimal.Decimal
	price      decimal.Decimal
	externalID string
}

func (l *legs) add(res venue.OrderResult) {
	l.n++
	l.filled = l.filled.Add(res.FilledQty)
	l.cost = l.cost.Add(res.AvgPrice.Mul(res.FilledQty))
	l.fee = l.fee.Add(res.Fee)
	l.externalID = res.ExternalOrderID
	if l.n == 1 {
		l.price = res.AvgPrice
	} else {
		l.price = l.cost.Div(l.filled)
	}
}

func (l legs) apply(r *schema.HedgeRecord, instrument string, attempts int) {
	r.Instrument = instrument
	r.Attempts = attempts
	if l.n == 0 {
		return
	}
	r.ExternalOrderID = l.externalID
	r.Filled = l.filled
	r.HedgePrice = l.price
	r.Fee = l.fee
	if r.Side == schema.OrderSideSell {
		r.Spread = l.price.Sub(r.UserPrice)
	} else {
		r.Spread = r.UserPrice.Sub(l.price)
	}
	r.NetProfit = r.Spread.Mul(l.filled).Sub(l.fee)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.Backoff << uint(attempt)
	if b <= 0 || (d.cfg.MaxBackoff > 0 && b > d.cfg.MaxBackoff) {
		return d.cfg.MaxBackoff
	}
	return b
}

func (d *Dispatcher) marketClosed(marketID string) bool {
	if d.deps.Markets == nil {
		return false
	}
	status, ok := d.deps.Markets.Status(marketID)
	return !ok || status == schema.MarketStatusClosed || status == schema.MarketStatusResolved
}

func (d *Dispatcher) closed(marketID string) <-chan struct{} {
	if d.deps.Markets == nil {
		return nil
	}
	return d.deps.Markets.Closed(marketID)
}

func (d *Dispatcher) transition(trade schema.TradeExecuted, status schema.HedgeStatus, reason schema.HedgeReason, mutate func(*schema.HedgeRecord)) (schema.HedgeRecord, error) {
	rec, err := d.machine.Transition(trade.TradeID, status, reason, mutate)
	if err != nil {
		return rec, err
	}
	if status.IsTerminal() {
		if err := d.journal(rec); err != nil {
			return rec, err
		}
	}
	d.emit(rec, trade.CreatedAt)
	return rec, nil
}

// journal records terminal hedge results so exposure can be rebuilt
// from the outbox after a restart.
func (d *Dispatcher) journal(rec schema.HedgeRecord) error {
	ev := schema.HedgeStatusChanged{EventID: uuid.NewString(), Record: rec}
	payload, err := codec.EncodeHedgeStatusChanged(ev)
	if err != nil {
		return err
	}
	header := schema.EventHeader{Type: schema.EventHedgeStatusChanged, Source: schema.SourceDispatcher}
	if _, err := d.deps.Journal.Append(header, payload); err != nil {
		return errors.Wrap(err, "journal hedge record")
	}
	return nil
}

func (d *Dispatcher) emit(rec schema.HedgeRecord, tradeAt time.Time) {
	if d.deps.Exposure != nil {
		d.deps.Exposure.OnHedgeStatus(rec)
	}
	var since time.Duration
	if !tradeAt.IsZero() {
		since = time.Since(tradeAt)
	}
	d.deps.Metrics.ObserveHedge(rec, since)
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(schema.SourceDispatcher, schema.HedgeStatusChanged{EventID: uuid.NewString(), Record: rec})
	}
}

func venueReason(err error) schema.HedgeReason {
	switch {
	case errors.Is(err, exception.ErrVenueRejected):
		return schema.HedgeReasonVenueRejected
	case errors.Is(err, exception.ErrVenueEmptyBook):
		return schema.HedgeReasonSpreadUnavailable
	default:
		return schema.HedgeReasonVenueTimeout
	}
}

// sleepCtx waits for d. It returns early with nil once stop is closed, so
// the caller can notice the market closed without waiting out the backoff.
func sleepCtx(ctx context.Context, d time.Duration, stop <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return nil
	case <-t.C:
		return nil
	}
}
