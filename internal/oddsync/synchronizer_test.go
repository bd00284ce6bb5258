package oddsync

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predmkt/internal/codec"
	"predmkt/internal/market"
	"predmkt/internal/outbox"
	"predmkt/internal/pricing"
	"predmkt/internal/schema"
	"predmkt/internal/venue/sim"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	sync     *Synchronizer
	arena    *market.Arena
	venue    *sim.Venue
	registry *schema.Registry
	journal  *outbox.Outbox
}

func newFixture(t *testing.T, mode pricing.ClampMode) *fixture {
	t.Helper()
	obxCfg := outbox.DefaultConfig(t.TempDir())
	obxCfg.NoSync = true
	journal, err := outbox.Open(obxCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	f := &fixture{
		arena:    market.NewArena(),
		venue:    sim.New(sim.Config{}),
		registry: schema.NewRegistry("sim"),
		journal:  journal,
	}
	f.sync, err = New(Config{MinDrift: 0.01, Clamp: pricing.ClampPolicy{Floor: 0.01, Ceil: 0.99, Mode: mode}}, Deps{
		Arena:       f.arena,
		Quotes:      f.venue,
		Instruments: f.registry,
		Journal:     journal,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) binary(t *testing.T, id string) {
	t.Helper()
	_, err := f.arena.Create(schema.Market{
		ID:       id,
		Type:     schema.MarketTypeBinary,
		B:        1000,
		Outcomes: []schema.Outcome{{Name: "YES"}, {Name: "NO"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.Map(id, schema.OutcomeYes, id+"-YES"))
}

func (f *fixture) quote(inst, bid, ask string) {
	f.venue.SetQuote(inst, d(bid), d(ask))
}

func (f *fixture) yes(t *testing.T, id string) float64 {
	t.Helper()
	m, ok := f.arena.Get(id)
	require.True(t, ok)
	return m.Outcomes[schema.OutcomeYes].Probability
}

func (f *fixture) repriced(t *testing.T) []schema.MarketRepriced {
	t.Helper()
	var out []schema.MarketRepriced
	require.NoError(t, f.journal.Replay(t.Context(), 0, func(h schema.EventHeader, payload []byte) error {
		ev, err := codec.DecodeMarketRepriced(payload)
		if err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	}))
	return out
}

func TestSyncRepricesBinaryFromMid(t *testing.T) {
	f := newFixture(t, pricing.ClampFlatten)
	f.binary(t, "m1")
	f.quote("m1-YES", "0.58", "0.62")

	res := f.sync.SyncOnce(t.Context())
	require.Len(t, res, 1)
	assert.True(t, res[0].Repriced)
	assert.InDelta(t, 0.1, res[0].Drift, 1e-9)
	assert.InDelta(t, 0.6, f.yes(t, "m1"), 1e-9)

	m, _ := f.arena.Get("m1")
	assert.InDelta(t, 1000*math.Log(1.5), m.QYes(), 1e-9)
	assert.Zero(t, m.QNo())

	events := f.repriced(t)
	require.Len(t, events, 1)
	assert.Equal(t, m.Q, events[0].Q)
	assert.False(t, events[0].Halted)

	// Within the drift threshold nothing is journaled.
	f.quote("m1-YES", "0.60", "0.61")
	res = f.sync.SyncOnce(t.Context())
	require.Len(t, res, 1)
	assert.False(t, res[0].Repriced)
	assert.InDelta(t, 0.6, f.yes(t, "m1"), 1e-9)
	assert.Len(t, f.repriced(t), 1)
}

func TestSyncNoMapping(t *testing.T) {
	f := newFixture(t, pricing.ClampFlatten)
	f.binary(t, "m1")
	f.quote("m1-YES", "0.7", "0.7")

	_, err := f.arena.Create(schema.Market{ID: "free", Type: schema.MarketTypeBinary, B: 10, Outcomes: []schema.Outcome{{}, {}}})
	require.NoError(t, err)

	res := f.sync.SyncOnce(t.Context())
	require.Len(t, res, 1)
	assert.Equal(t, "m1", res[0].MarketID)
	assert.InDelta(t, 0.5, f.yes(t, "free"), 1e-12)
}

func TestSyncKeepsQWhenVenueDown(t *testing.T) {
	f := newFixture(t, pricing.ClampFlatten)
	f.binary(t, "m1")
	f.quote("m1-YES", "0.7", "0.7")
	f.venue.Disconnect()

	assert.Empty(t, f.sync.SyncOnce(t.Context()))
	assert.InDelta(t, 0.5, f.yes(t, "m1"), 1e-12)
	assert.Empty(t, f.repriced(t))
}

func TestSyncSkipsClosedMarkets(t *testing.T) {
	f := newFixture(t, pricing.ClampFlatten)
	f.binary(t, "m1")
	f.quote("m1-YES", "0.7", "0.7")
	require.NoError(t, f.arena.With("m1", func(st *market.State) error {
		st.Market.Status = schema.MarketStatusClosed
		return nil
	}))

	assert.Empty(t, f.sync.SyncOnce(t.Context()))
	assert.InDelta(t, 0.5, f.yes(t, "m1"), 1e-12)
}

func TestSyncClampModes(t *testing.T) {
	t.Run("flatten", func(t *testing.T) {
		f := newFixture(t, pricing.ClampFlatten)
		f.binary(t, "m1")
		f.quote("m1-YES", "0.7", "0.7")
		f.sync.SyncOnce(t.Context())
		require.InDelta(t, 0.7, f.yes(t, "m1"), 1e-9)

		f.quote("m1-YES", "0.995", "0.995")
		res := f.sync.SyncOnce(t.Context())
		require.Len(t, res, 1)
		assert.True(t, res[0].Repriced)
		assert.InDelta(t, 0.5, f.yes(t, "m1"), 1e-12)
	})

	t.Run("clamp", func(t *testing.T) {
		f := newFixture(t, pricing.ClampPin)
		f.binary(t, "m1")
		f.quote("m1-YES", "0.995", "0.995")
		f.sync.SyncOnce(t.Context())
		assert.InDelta(t, 0.99, f.yes(t, "m1"), 1e-9)
	})

	t.Run("pause", func(t *testing.T) {
		f := newFixture(t, pricing.ClampPause)
		f.binary(t, "m1")
		f.quote("m1-YES", "0.995", "0.995")

		res := f.sync.SyncOnce(t.Context())
		require.Len(t, res, 1)
		assert.True(t, res[0].Halted)
		assert.True(t, f.arena.Halted("m1"))
		assert.InDelta(t, 0.5, f.yes(t, "m1"), 1e-12)

		// Still out of band: no second halt event.
		f.sync.SyncOnce(t.Context())
		events := f.repriced(t)
		require.Len(t, events, 1)
		assert.True(t, events[0].Halted)

		// Back in band resumes trading even without drift.
		f.quote("m1-YES", "0.5", "0.5")
		res = f.sync.SyncOnce(t.Context())
		require.Len(t, res, 1)
		assert.True(t, res[0].Repriced)
		assert.False(t, f.arena.Halted("m1"))
		assert.Len(t, f.repriced(t), 2)
	})
}

func TestSyncMultiOutcome(t *testing.T) {
	f := newFixture(t, pricing.ClampFlatten)
	_, err := f.arena.Create(schema.Market{
		ID:       "race",
		Type:     schema.MarketTypeMultiple,
		B:        200,
		Outcomes: []schema.Outcome{{Name: "a"}, {Name: "b"}, {Name: "c"}},
	})
	require.NoError(t, err)
	for i, inst := range []string{"RA", "RB", "RC"} {
		require.NoError(t, f.registry.Map("race", i, inst))
	}
	f.quote("RA", "0.19", "0.21")
	f.quote("RB", "0.29", "0.31")
	f.quote("RC", "0.49", "0.51")

	res := f.sync.SyncOnce(t.Context())
	require.Len(t, res, 1)
	require.True(t, res[0].Repriced)

	m, _ := f.arena.Get("race")
	for i, want := range []float64{0.2, 0.3, 0.5} {
		assert.InDelta(t, want, m.Outcomes[i].Probability, 1e-9)
	}
}
