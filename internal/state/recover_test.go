package state

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predmkt/internal/codec"
	"predmkt/internal/exposure"
	"predmkt/internal/oddsync"
	"predmkt/internal/outbox"
	"predmkt/internal/pricing"
	"predmkt/internal/schema"
	"predmkt/internal/trade"
	"predmkt/internal/venue/sim"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type system struct {
	live    *Reducer
	exec    *trade.Executor
	sync    *oddsync.Synchronizer
	venue   *sim.Venue
	journal *outbox.Outbox
	dir     string
}

func newSystem(t *testing.T) *system {
	t.Helper()
	dir := t.TempDir()
	cfg := outbox.DefaultConfig(dir)
	cfg.NoSync = true
	journal, err := outbox.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	s := &system{live: NewReducer(exposure.Config{}), venue: sim.New(sim.Config{}), journal: journal, dir: dir}
	registry := schema.NewRegistry("sim")
	s.exec, err = trade.NewExecutor(trade.Config{MinTrade: d("1"), MarkupRate: d("0.02")}, trade.Deps{
		Arena:    s.live.Arena,
		Ledger:   s.live.Ledger,
		Journal:  journal,
		Exposure: s.live.Exposure,
		Registry: registry,
	})
	require.NoError(t, err)
	s.sync, err = oddsync.New(oddsync.Config{MinDrift: 0.01, Clamp: pricing.ClampPolicy{Floor: 0.01, Ceil: 0.99, Mode: pricing.ClampPause}}, oddsync.Deps{
		Arena:       s.live.Arena,
		Quotes:      s.venue,
		Instruments: registry,
		Journal:     journal,
	})
	require.NoError(t, err)
	return s
}

func (s *system) market(t *testing.T, id string, b float64) {
	t.Helper()
	_, err := s.exec.CreateMarket(t.Context(), schema.Market{
		ID:   id,
		Type: schema.MarketTypeBinary,
		B:    b,
		Outcomes: []schema.Outcome{
			{Name: "YES", VenueInstrument: id + "-YES"},
			{Name: "NO"},
		},
	})
	require.NoError(t, err)
}

func (s *system) buy(t *testing.T, user, id string, outcome int, amount string) schema.Fill {
	t.Helper()
	fill, err := s.exec.Execute(t.Context(), user, schema.OrderRequest{
		MarketID: id, Outcome: outcome, Side: schema.OrderSideBuy, Kind: schema.OrderKindMarket, Amount: d(amount),
	})
	require.NoError(t, err)
	return fill
}

func (s *system) hedged(t *testing.T, fill schema.Fill) {
	t.Helper()
	rec := schema.HedgeRecord{TradeID: fill.TradeID, MarketID: fill.MarketID, Status: schema.HedgeStatusHedged}
	payload, err := codec.EncodeHedgeStatusChanged(schema.HedgeStatusChanged{EventID: "h-" + fill.TradeID, Record: rec})
	require.NoError(t, err)
	_, err = s.journal.Append(schema.EventHeader{Type: schema.EventHedgeStatusChanged, Source: schema.SourceDispatcher}, payload)
	require.NoError(t, err)
	s.live.Exposure.OnHedgeStatus(rec)
}

func (s *system) recover(t *testing.T, snapshotPath string) (*Reducer, RecoverResult) {
	t.Helper()
	r := NewReducer(exposure.Config{})
	res, err := Recover(t.Context(), RecoverConfig{OutboxDir: s.dir, SnapshotPath: snapshotPath}, r)
	require.NoError(t, err)
	return r, res
}

func TestRecoverFromOutboxOnly(t *testing.T) {
	s := newSystem(t)
	s.market(t, "m1", 1000)
	s.market(t, "m2", 500)
	for _, u := range []string{"alice", "bob"} {
		_, err := s.exec.Deposit(t.Context(), u, d("1000"))
		require.NoError(t, err)
	}
	_, err := s.exec.Withdraw(t.Context(), "bob", d("100"))
	require.NoError(t, err)

	first := s.buy(t, "alice", "m1", schema.OutcomeYes, "100")
	s.buy(t, "bob", "m1", schema.OutcomeNo, "40")
	s.buy(t, "bob", "m2", schema.OutcomeYes, "25")
	s.hedged(t, first)

	s.venue.SetQuote("m1-YES", d("0.70"), d("0.72"))
	s.venue.SetQuote("m2-YES", d("0.995"), d("0.999"))
	s.sync.SyncOnce(t.Context())
	require.True(t, s.live.Arena.Halted("m2"))

	_, err = s.exec.ResolveMarket(t.Context(), "m1", schema.OutcomeYes)
	require.NoError(t, err)

	want := s.live.SnapshotWithMeta(s.journal.Seq(), 0)
	got, res := s.recover(t, "")
	assert.Equal(t, s.journal.Seq(), res.LastSeq)
	require.NoError(t, CompareSnapshots(want, got.Snapshot()))
	assert.True(t, got.Arena.Halted("m2"))
	assert.Len(t, got.Exposure.Export(), 2)
}

func TestRecoverFromSnapshotAndTail(t *testing.T) {
	s := newSystem(t)
	s.market(t, "m1", 1000)
	_, err := s.exec.Deposit(t.Context(), "alice", d("1000"))
	require.NoError(t, err)
	s.buy(t, "alice", "m1", schema.OutcomeYes, "50")

	path := filepath.Join(t.TempDir(), "snap", "state.json")
	require.NoError(t, WriteSnapshot(path, s.live.SnapshotWithMeta(s.journal.Seq(), 0)))
	atSnapshot := s.journal.Seq()

	s.buy(t, "alice", "m1", schema.OutcomeNo, "30")
	s.buy(t, "alice", "m1", schema.OutcomeYes, "10")

	got, res := s.recover(t, path)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, atSnapshot+2, res.LastSeq)
	require.NoError(t, CompareSnapshots(s.live.Snapshot(), got.Snapshot()))
}

func TestRecoverMissingSnapshotStartsEmpty(t *testing.T) {
	s := newSystem(t)
	s.market(t, "m1", 1000)

	got, res := s.recover(t, filepath.Join(t.TempDir(), "absent.json"))
	assert.Equal(t, 1, res.Applied)
	assert.True(t, got.Arena.Exists("m1"))
}

func TestSnapshotRoundTripAndCompare(t *testing.T) {
	s := newSystem(t)
	s.market(t, "m1", 1000)
	_, err := s.exec.Deposit(t.Context(), "alice", d("100"))
	require.NoError(t, err)
	s.buy(t, "alice", "m1", schema.OutcomeYes, "10")

	snap := s.live.SnapshotWithMeta(7, 11)
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, WriteSnapshot(path, snap))
	loaded, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), loaded.LastSeq)
	require.NoError(t, CompareSnapshots(snap, loaded))

	loaded.Markets[0].Market.Q[0] += 1e-9
	require.Error(t, CompareSnapshots(snap, loaded))

	loaded, _ = ReadSnapshot(path)
	loaded.Balances[0].Available = loaded.Balances[0].Available.Add(d("0.000001"))
	require.Error(t, CompareSnapshots(snap, loaded))
}
