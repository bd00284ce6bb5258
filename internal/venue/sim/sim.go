package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"predmkt/internal/schema"
	"predmkt/internal/venue"
	"predmkt/pkg/exception"
)

var _ venue.Client = (*Venue)(nil)

// Config controls the simulated venue.
type Config struct {
	FeeBps  int64
	Latency time.Duration
}

// Venue is an in-memory order book venue. Orders fill immediately at the
// touch when marketable and are otherwise canceled. Filled orders are
// remembered by client order id and never execute twice.
type Venue struct {
	cfg Config

	mu        sync.Mutex
	quotes    map[string]venue.Quote
	depth     map[string]decimal.Decimal
	orders    map[string]venue.OrderResult
	execs     map[string]int
	nextID    uint64
	partition int
	failures  []error
	connected bool
}

// New creates an empty simulated venue.
func New(cfg Config) *Venue {
	return &Venue{
		cfg:       cfg,
		quotes:    make(map[string]venue.Quote),
		depth:     make(map[string]decimal.Decimal),
		orders:    make(map[string]venue.OrderResult),
		execs:     make(map[string]int),
		connected: true,
	}
}

// SetQuote replaces the top of book of an instrument.
func (v *Venue) SetQuote(instrument string, bid, ask decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quotes[instrument] = venue.Quote{Instrument: instrument, Bid: bid, Ask: ask, At: time.Now().UTC()}
}

// SetDepth caps the quantity one order can fill on an instrument. Larger
// orders fill partially. A zero depth is unlimited.
func (v *Venue) SetDepth(instrument string, qty decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.depth[instrument] = qty
}

// Partition makes the next n order placements execute on the venue but
// lose their response, surfacing as a timeout to the caller.
func (v *Venue) Partition(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.partition = n
}

// FailNext makes the next placements fail with the given errors, in order,
// before reaching the book.
func (v *Venue) FailNext(errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures = append(v.failures, errs...)
}

// Disconnect makes every call fail with a timeout until Reconnect.
func (v *Venue) Disconnect() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = false
}

// Reconnect restores connectivity.
func (v *Venue) Reconnect() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = true
}

// Executions reports how many times an order with the client order id
// actually executed.
func (v *Venue) Executions(clientOrderID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.execs[clientOrderID]
}

// TotalExecutions reports executions across all client order ids.
func (v *Venue) TotalExecutions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, c := range v.execs {
		n += c
	}
	return n
}

func (v *Venue) wait(ctx context.Context) error {
	if v.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(v.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(exception.ErrVenueTimeout, ctx.Err().Error())
	case <-t.C:
		return nil
	}
}

func (v *Venue) BestPrice(ctx context.Context, instrument string) (venue.Quote, error) {
	if err := v.wait(ctx); err != nil {
		return venue.Quote{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.connected {
		return venue.Quote{}, exception.ErrVenueTimeout
	}
	q, ok := v.quotes[instrument]
	if !ok {
		return venue.Quote{}, errors.Wrapf(exception.ErrVenueEmptyBook, "instrument %s", instrument)
	}
	return q, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	if err := v.wait(ctx); err != nil {
		return venue.OrderResult{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.connected {
		return venue.OrderResult{}, exception.ErrVenueTimeout
	}
	if len(v.failures) > 0 {
		err := v.failures[0]
		v.failures = v.failures[1:]
		return venue.OrderResult{}, err
	}
	if req.ClientOrderID == "" || !req.Qty.IsPositive() || !req.Price.IsPositive() {
		return venue.OrderResult{}, errors.Wrap(exception.ErrVenueRejected, "invalid order")
	}

	res, seen := v.orders[req.ClientOrderID]
	if !seen {
		res = v.match(req)
		if res.State == venue.OrderStateFilled || res.State == venue.OrderStatePartFilled {
			v.orders[req.ClientOrderID] = res
			v.execs[req.ClientOrderID]++
		}
	}

	if v.partition > 0 {
		v.partition--
		return venue.OrderResult{}, errors.Wrap(exception.ErrVenueTimeout, "response lost")
	}
	return res, nil
}

func (v *Venue) match(req venue.OrderRequest) venue.OrderResult {
	v.nextID++
	res := venue.OrderResult{
		ClientOrderID:   req.ClientOrderID,
		ExternalOrderID: fmt.Sprintf("sim-%d", v.nextID),
		State:           venue.OrderStateCanceled,
	}

	q, ok := v.quotes[req.Instrument]
	if !ok {
		return res
	}
	var px decimal.Decimal
	switch req.Side {
	case schema.OrderSideBuy:
		if !q.Ask.IsPositive() || q.Ask.GreaterThan(req.Price) {
			return res
		}
		px = q.Ask
	case schema.OrderSideSell:
		if !q.Bid.IsPositive() || q.Bid.LessThan(req.Price) {
			return res
		}
		px = q.Bid
	default:
		res.State = venue.OrderStateRejected
		return res
	}

	res.State = venue.OrderStateFilled
	res.FilledQty = req.Qty
	if depth := v.depth[req.Instrument]; depth.IsPositive() && depth.LessThan(req.Qty) {
		res.State = venue.OrderStatePartFilled
		res.FilledQty = depth
	}
	res.AvgPrice = px
	res.Fee = px.Mul(res.FilledQty).Mul(decimal.NewFromInt(v.cfg.FeeBps)).Div(decimal.NewFromInt(10_000))
	return res
}

func (v *Venue) CancelOrder(ctx context.Context, externalOrderID string) error {
	if err := v.wait(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return exception.ErrVenueTimeout
	}
	// Orders are immediate-or-cancel, nothing rests on the book.
	return nil
}
