package hedge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"predmkt/internal/codec"
	"predmkt/internal/exposure"
	"predmkt/internal/outbox"
	"predmkt/internal/schema"
	"predmkt/internal/venue/sim"
	"predmkt/pkg/exception"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeMarkets struct {
	mu     sync.Mutex
	status map[string]schema.MarketStatus
	done   map[string]chan struct{}
}

func newFakeMarkets(ids ...string) *fakeMarkets {
	f := &fakeMarkets{status: make(map[string]schema.MarketStatus), done: make(map[string]chan struct{})}
	for _, id := range ids {
		f.status[id] = schema.MarketStatusActive
		f.done[id] = make(chan struct{})
	}
	return f
}

func (f *fakeMarkets) Status(id string) (schema.MarketStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[id]
	return s, ok
}

func (f *fakeMarkets) Closed(id string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done[id]
}

func (f *fakeMarkets) set(id string, s schema.MarketStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = s
	if s == schema.MarketStatusActive {
		return
	}
	if ch, ok := f.done[id]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

type fixture struct {
	dispatcher *Dispatcher
	venue      *sim.Venue
	journal    *outbox.Outbox
	markets    *fakeMarkets
	exposure   *exposure.Monitor
	sleeps     []time.Duration
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	obxCfg := outbox.DefaultConfig(t.TempDir())
	obxCfg.NoSync = true
	journal, err := outbox.Open(obxCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	registry := schema.NewRegistry("sim")
	require.NoError(t, registry.Map("m1", schema.OutcomeYes, "M1-YES"))

	f := &fixture{
		venue:    sim.New(sim.Config{FeeBps: 10}),
		journal:  journal,
		markets:  newFakeMarkets("m1"),
		exposure: exposure.NewMonitor(exposure.Config{}),
	}
	f.dispatcher = NewDispatcher(cfg, Deps{
		Journal:     journal,
		Venue:       f.venue,
		Markets:     f.markets,
		Instruments: registry,
		Exposure:    f.exposure,
	})
	f.dispatcher.sleep = func(ctx context.Context, dur time.Duration, _ <-chan struct{}) error {
		f.sleeps = append(f.sleeps, dur)
		return ctx.Err()
	}
	return f
}

func buyTrade(id string) schema.TradeExecuted {
	return schema.TradeExecuted{
		TradeID:   id,
		OrderID:   "o-" + id,
		MarketID:  "m1",
		Outcome:   schema.OutcomeYes,
		Side:      schema.OrderSideBuy,
		Shares:    d("100"),
		AvgPrice:  d("0.50"),
		Cash:      d("50"),
		CreatedAt: time.Now().UTC(),
	}
}

func (f *fixture) trade(t *testing.T, tr schema.TradeExecuted) {
	t.Helper()
	f.exposure.OnTradeExecuted(tr.TradeID, tr.MarketID, tr.Cash)
	payload, err := codec.EncodeTradeExecuted(tr)
	require.NoError(t, err)
	_, err = f.journal.Append(schema.EventHeader{Type: schema.EventTradeExecuted, Flags: outbox.FlagDeliver}, payload)
	require.NoError(t, err)
}

func TestHedgedWithinSpread(t *testing.T) {
	f := newFixture(t, Config{MinSpreadBps: 100, MaxAttempts: 3})
	f.venue.SetQuote("M1-YES", d("0.45"), d("0.48"))
	tr := buyTrade("t1")
	f.exposure.OnTradeExecuted(tr.TradeID, tr.MarketID, tr.Cash)

	rec, err := f.dispatcher.Handle(t.Context(), tr)
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusHedged, rec.Status)
	assert.Equal(t, "M1-YES", rec.Instrument)
	assert.Equal(t, 1, rec.Attempts)
	assert.True(t, rec.HedgePrice.Equal(d("0.48")))
	assert.True(t, rec.Spread.Equal(d("0.02")), "buy spread is user price minus hedge price")
	assert.True(t, rec.Fee.Equal(d("0.048")))
	assert.True(t, rec.NetProfit.Equal(d("1.952")))
	assert.Equal(t, ClientOrderID(DefaultNamespace, "t1"), rec.ClientOrderID)
	assert.True(t, f.exposure.Snapshot().Platform.IsZero())

	again, err := f.dispatcher.Handle(t.Context(), tr)
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.Equal(t, 1, f.venue.TotalExecutions())
}

func TestSellHedgeSpreadSign(t *testing.T) {
	f := newFixture(t, Config{MinSpreadBps: 100, MaxAttempts: 1})
	f.venue.SetQuote("M1-YES", d("0.52"), d("0.60"))
	tr := buyTrade("t1")
	tr.Side = schema.OrderSideSell

	rec, err := f.dispatcher.Handle(t.Context(), tr)
	require.NoError(t, err)
	require.Equal(t, schema.HedgeStatusHedged, rec.Status)
	assert.True(t, rec.HedgePrice.Equal(d("0.52")))
	assert.True(t, rec.Spread.Equal(d("0.02")), "sell spread is hedge price minus user price")
}

func TestPartitionedVenueFillsOnce(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 5, Backoff: time.Millisecond})
	f.venue.SetQuote("M1-YES", d("0.45"), d("0.48"))
	f.venue.Partition(2)

	rec, err := f.dispatcher.Handle(t.Context(), buyTrade("t1"))
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusHedged, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 1, f.venue.Executions(rec.ClientOrderID))
	assert.Equal(t, 1, f.venue.TotalExecutions())
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, f.sleeps)
}

func TestSpreadUnavailableExhaustsRetries(t *testing.T) {
	f := newFixture(t, Config{MinSpreadBps: 100, MaxAttempts: 3, Backoff: 10 * time.Millisecond})
	f.venue.SetQuote("M1-YES", d("0.49"), d("0.51"))
	tr := buyTrade("t1")
	f.exposure.OnTradeExecuted(tr.TradeID, tr.MarketID, tr.Cash)

	rec, err := f.dispatcher.Handle(t.Context(), tr)
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusFailed, rec.Status)
	assert.Equal(t, schema.HedgeReasonSpreadUnavailable, rec.Reason)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, f.sleeps)
	assert.Equal(t, 0, f.venue.TotalExecutions())
	assert.True(t, f.exposure.Snapshot().Platform.Equal(d("50")), "failed hedge keeps exposure")
}

func TestVenueErrorsAreRetried(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	f.venue.SetQuote("M1-YES", d("0.45"), d("0.48"))
	f.venue.FailNext(exception.ErrVenueRejected, exception.ErrVenueTimeout)

	rec, err := f.dispatcher.Handle(t.Context(), buyTrade("t1"))
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusHedged, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
}

func TestUnmappedFailsImmediately(t *testing.T) {
	f := newFixture(t, Config{})
	tr := buyTrade("t1")
	tr.Outcome = schema.OutcomeNo

	rec, err := f.dispatcher.Handle(t.Context(), tr)
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusFailed, rec.Status)
	assert.Equal(t, schema.HedgeReasonUnmapped, rec.Reason)
	assert.Empty(t, f.sleeps)
}

func TestMarketClosedDuringBackoff(t *testing.T) {
	f := newFixture(t, Config{MinSpreadBps: 100, MaxAttempts: 10})
	f.venue.SetQuote("M1-YES", d("0.49"), d("0.51"))
	f.dispatcher.sleep = func(ctx context.Context, _ time.Duration, _ <-chan struct{}) error {
		f.markets.set("m1", schema.MarketStatusResolved)
		return nil
	}

	rec, err := f.dispatcher.Handle(t.Context(), buyTrade("t1"))
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusFailed, rec.Status)
	assert.Equal(t, schema.HedgeReasonMarketClosed, rec.Reason)
	assert.Equal(t, 1, rec.Attempts)
}

func TestMarketCloseInterruptsBackoff(t *testing.T) {
	f := newFixture(t, Config{MinSpreadBps: 100, MaxAttempts: 10, Backoff: time.Hour})
	f.venue.SetQuote("M1-YES", d("0.49"), d("0.51"))
	f.dispatcher.sleep = sleepCtx

	type result struct {
		rec schema.HedgeRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := f.dispatcher.Handle(t.Context(), buyTrade("t1"))
		done <- result{rec, err}
	}()

	require.Eventually(t, func() bool {
		rec, ok := f.dispatcher.Machine().Record("t1")
		return ok && rec.Status == schema.HedgeStatusRetry
	}, 2*time.Second, 5*time.Millisecond)
	f.markets.set("m1", schema.MarketStatusClosed)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, schema.HedgeStatusFailed, res.rec.Status)
		assert.Equal(t, schema.HedgeReasonMarketClosed, res.rec.Reason)
		assert.Equal(t, 1, res.rec.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("backoff was not interrupted by the market close")
	}
}

func TestSleepStopsOnSignal(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	start := time.Now()
	require.NoError(t, sleepCtx(t.Context(), time.Hour, stop))
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.True(t, errors.Is(sleepCtx(ctx, time.Hour, nil), context.Canceled))
}

func TestVenueErrorReasons(t *testing.T) {
	tests := []struct {
		name  string
		quote bool
		fail  error
		want  schema.HedgeReason
	}{
		{name: "empty book", want: schema.HedgeReasonSpreadUnavailable},
		{name: "rejected", quote: true, fail: exception.ErrVenueRejected, want: schema.HedgeReasonVenueRejected},
		{name: "wrapped rejected", quote: true, fail: errors.Wrap(exception.ErrVenueRejected, "insufficient margin"), want: schema.HedgeReasonVenueRejected},
		{name: "timeout", quote: true, fail: errors.Wrap(exception.ErrVenueTimeout, "deadline"), want: schema.HedgeReasonVenueTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{MaxAttempts: 1})
			if tt.quote {
				f.venue.SetQuote("M1-YES", d("0.45"), d("0.48"))
			}
			if tt.fail != nil {
				f.venue.FailNext(tt.fail)
			}

			rec, err := f.dispatcher.Handle(t.Context(), buyTrade("t1"))
			require.NoError(t, err)
			assert.Equal(t, schema.HedgeStatusFailed, rec.Status)
			assert.Equal(t, tt.want, rec.Reason)
		})
	}

	assert.Equal(t, schema.HedgeReasonSpreadUnavailable, venueReason(errors.Wrapf(errors.Wrap(exception.ErrVenueEmptyBook, "book"), "instrument %s", "M1-YES")))
	assert.Equal(t, schema.HedgeReasonVenueRejected, venueReason(errors.Wrap(exception.ErrVenueRejected, "rejected")))
	assert.Equal(t, schema.HedgeReasonVenueTimeout, venueReason(errors.New("connection reset")))
}

func TestPartialFillRedispatchesRest(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 5, Backoff: time.Millisecond})
	f.venue.SetQuote("M1-YES", d("0.45"), d("0.48"))
	f.venue.SetDepth("M1-YES", d("40"))
	tr := buyTrade("t1")
	f.exposure.OnTradeExecuted(tr.TradeID, tr.MarketID, tr.Cash)

	var unhedged []decimal.Decimal
	f.dispatcher.sleep = func(ctx context.Context, _ time.Duration, _ <-chan struct{}) error {
		unhedged = append(unhedged, f.exposure.Snapshot().Platform)
		return ctx.Err()
	}

	rec, err := f.dispatcher.Handle(t.Context(), tr)
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusHedged, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.True(t, rec.Filled.Equal(d("100")), "filled %s", rec.Filled)
	assert.True(t, rec.HedgePrice.Equal(d("0.48")))
	assert.True(t, rec.Fee.Equal(d("0.048")), "fee %s", rec.Fee)
	assert.True(t, rec.NetProfit.Equal(d("1.952")), "net %s", rec.NetProfit)

	require.Len(t, unhedged, 2)
	assert.True(t, unhedged[0].Equal(d("30")), "after first leg %s", unhedged[0])
	assert.True(t, unhedged[1].Equal(d("10")), "after second leg %s", unhedged[1])
	assert.True(t, f.exposure.Snapshot().Platform.IsZero())

	assert.Equal(t, 3, f.venue.TotalExecutions())
	for leg := 0; leg < 3; leg++ {
		assert.Equal(t, 1, f.venue.Executions(LegOrderID(DefaultNamespace, "t1", leg)), "leg %d", leg)
	}
}

func TestPartialFillExhaustedKeepsRest(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2, Backoff: time.Millisecond})
	f.venue.SetQuote("M1-YES", d("0.45"), d("0.48"))
	f.venue.SetDepth("M1-YES", d("40"))
	tr := buyTrade("t1")
	f.exposure.OnTradeExecuted(tr.TradeID, tr.MarketID, tr.Cash)

	rec, err := f.dispatcher.Handle(t.Context(), tr)
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusFailed, rec.Status)
	assert.Equal(t, schema.HedgeReasonPartialFill, rec.Reason)
	assert.True(t, rec.Filled.Equal(d("80")), "filled %s", rec.Filled)
	assert.True(t, rec.NetProfit.Equal(d("1.5616")), "net %s", rec.NetProfit)
	assert.True(t, f.exposure.Snapshot().Platform.Equal(d("10")), "unfilled rest stays exposed")

	// A later run replays the filled legs from the venue and orders the rest.
	f.venue.SetDepth("M1-YES", decimal.Zero)
	again := NewDispatcher(Config{MaxAttempts: 3}, Deps{
		Journal:     f.journal,
		Venue:       f.venue,
		Markets:     f.markets,
		Instruments: f.dispatcher.deps.Instruments,
		Exposure:    f.exposure,
	})
	got, err := again.Handle(t.Context(), tr)
	require.NoError(t, err)
	assert.Equal(t, schema.HedgeStatusHedged, got.Status)
	assert.True(t, got.Filled.Equal(d("100")), "filled %s", got.Filled)
	assert.Equal(t, 3, f.venue.TotalExecutions())
	assert.True(t, f.exposure.Snapshot().Platform.IsZero())
}

func TestRunAcksTerminalEntries(t *testing.T) {
	f := newFixture(t, Config{Workers: 2, PollInterval: 10 * time.Millisecond})
	f.venue.SetQuote("M1-YES", d("0.45"), d("0.48"))
	f.dispatcher.sleep = sleepCtx

	for _, id := range []string{"t1", "t2", "t3"} {
		f.trade(t, buyTrade(id))
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(ctx) }()

	require.Eventually(t, func() bool { return f.journal.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	assert.Equal(t, 3, f.venue.TotalExecutions())
	for _, rec := range f.dispatcher.Machine().Records() {
		assert.Equal(t, schema.HedgeStatusHedged, rec.Status)
	}

	var terminal int
	require.NoError(t, f.journal.Replay(t.Context(), 0, func(h schema.EventHeader, _ []byte) error {
		if h.Type == schema.EventHedgeStatusChanged {
			terminal++
		}
		return nil
	}))
	assert.Equal(t, 3, terminal)
}

func TestRestartRedeliversAndDedupesAtVenue(t *testing.T) {
	dir := t.TempDir()
	cfg := outbox.DefaultConfig(dir)
	cfg.NoSync = true
	journal, err := outbox.Open(cfg)
	require.NoError(t, err)

	payload, err := codec.EncodeTradeExecuted(buyTrade("t1"))
	require.NoError(t, err)
	_, err = journal.Append(schema.EventHeader{Type: schema.EventTradeExecuted, Flags: outbox.FlagDeliver}, payload)
	require.NoError(t, err)

	registry := schema.NewRegistry("sim")
	require.NoError(t, registry.Map("m1", schema.OutcomeYes, "M1-YES"))
	v := sim.New(sim.Config{})
	v.SetQuote("M1-YES", d("0.45"), d("0.48"))
	markets := newFakeMarkets("m1")

	// First process: the venue fills but the response is lost, then the
	// process stops before acking.
	v.Partition(1)
	first := NewDispatcher(Config{MaxAttempts: 1}, Deps{Journal: journal, Venue: v, Markets: markets, Instruments: registry})
	rec, err := first.Handle(t.Context(), buyTrade("t1"))
	require.NoError(t, err)
	require.Equal(t, schema.HedgeStatusFailed, rec.Status)
	require.NoError(t, journal.Close())

	journal, err = outbox.Open(cfg)
	require.NoError(t, err)
	defer journal.Close()
	require.Len(t, journal.Pending(), 1)

	second := NewDispatcher(Config{MaxAttempts: 3}, Deps{Journal: journal, Venue: v, Markets: markets, Instruments: registry})
	second.process(t.Context(), journal.Pending()[0])

	got, ok := second.Machine().Record("t1")
	require.True(t, ok)
	assert.Equal(t, schema.HedgeStatusHedged, got.Status)
	assert.Equal(t, 1, v.TotalExecutions())
	assert.Zero(t, journal.PendingCount())
}

func TestClientOrderIDDeterministic(t *testing.T) {
	a := ClientOrderID(DefaultNamespace, "t1")
	assert.Equal(t, a, ClientOrderID(DefaultNamespace, "t1"))
	assert.NotEqual(t, a, ClientOrderID(DefaultNamespace, "t2"))

	assert.Equal(t, a, LegOrderID(DefaultNamespace, "t1", 0))
	assert.Equal(t, LegOrderID(DefaultNamespace, "t1", 1), LegOrderID(DefaultNamespace, "t1", 1))
	assert.NotEqual(t, a, LegOrderID(DefaultNamespace, "t1", 1))
	assert.NotEqual(t, LegOrderID(DefaultNamespace, "t1", 1), LegOrderID(DefaultNamespace, "t1", 2))
}

type failingJournal struct {
	mu    sync.Mutex
	acked []uint64
}

func (j *failingJournal) Pending() []outbox.Entry { return nil }
func (j *failingJournal) Notify() <-chan struct{} { return nil }
func (j *failingJournal) Append(schema.EventHeader, []byte) (uint64, error) { return 0, outbox.ErrClosed }

func (j *failingJournal) Ack(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.acked = append(j.acked, seq)
	return outbox.ErrClosed
}

func TestUndecodableEntryAckFailure(t *testing.T) {
	journal := &failingJournal{}
	dispatcher := NewDispatcher(Config{}, Deps{Journal: journal, Markets: newFakeMarkets("m1")})

	entry := outbox.Entry{Header: schema.EventHeader{Type: schema.EventTradeExecuted, Seq: 7}, Payload: []byte("not json")}
	dispatcher.inflight[entry.Seq()] = struct{}{}
	dispatcher.process(t.Context(), entry)

	assert.Equal(t, []uint64{7}, journal.acked)
	assert.Empty(t, dispatcher.inflight)
	assert.Empty(t, dispatcher.Machine().Records())
}
