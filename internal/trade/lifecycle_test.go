package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"predmkt/internal/codec"
	"predmkt/internal/exposure"
	"predmkt/internal/schema"
	"predmkt/pkg/exception"
)

func TestDepositWithdraw(t *testing.T) {
	f := newFixture(t, baseConfig(), exposure.Config{})

	b, err := f.exec.Deposit(t.Context(), "alice", d("100"))
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d("100")))

	b, err = f.exec.Withdraw(t.Context(), "alice", d("30"))
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d("70")))

	_, err = f.exec.Withdraw(t.Context(), "alice", d("100"))
	require.True(t, errors.Is(err, exception.ErrInsufficientBalance), "err: %v", err)
	_, err = f.exec.Deposit(t.Context(), "alice", d("-1"))
	require.True(t, errors.Is(err, exception.ErrNonPositiveAmount), "err: %v", err)
	_, err = f.exec.Deposit(t.Context(), "alice", d("0.0000001"))
	require.True(t, errors.Is(err, exception.ErrInvalidArgument), "err: %v", err)

	assert.True(t, f.cash("alice").Equal(d("70")))

	var reasons []string
	require.NoError(t, f.journal.Replay(t.Context(), 0, func(h schema.EventHeader, payload []byte) error {
		if h.Type != schema.EventBalanceAdjusted {
			return nil
		}
		ev, err := codec.DecodeBalanceAdjusted(payload)
		if err != nil {
			return err
		}
		reasons = append(reasons, ev.Reason)
		return nil
	}))
	assert.Equal(t, []string{ReasonDeposit, ReasonWithdraw}, reasons)
	assert.Zero(t, f.journal.PendingCount())
}

func TestCreateMarketMapsInstruments(t *testing.T) {
	f := newFixture(t, baseConfig(), exposure.Config{})

	m, err := f.exec.CreateMarket(t.Context(), binary("m1", 1000))
	require.NoError(t, err)
	assert.Equal(t, schema.MarketStatusActive, m.Status)
	assert.Equal(t, -1, m.Winner)
	assert.InDelta(t, 0.5, m.Outcomes[0].Probability, 1e-12)

	inst, ok := f.registry.Instrument("m1", schema.OutcomeNo)
	require.True(t, ok)
	assert.Equal(t, "m1-NO", inst)

	_, err = f.exec.CreateMarket(t.Context(), binary("m1", 1000))
	require.True(t, errors.Is(err, exception.ErrMarketExists), "err: %v", err)

	clash := binary("m2", 1000)
	clash.Outcomes[0].VenueInstrument = "m1-YES"
	_, err = f.exec.CreateMarket(t.Context(), clash)
	require.True(t, errors.Is(err, exception.ErrInvalidArgument), "err: %v", err)
	assert.False(t, f.arena.Exists("m2"))

	_, err = f.exec.CreateMarket(t.Context(), binary("m3", 0))
	require.True(t, errors.Is(err, exception.ErrInvalidLiquidity), "err: %v", err)
}

func TestCloseMarketStopsTrading(t *testing.T) {
	f := newFixture(t, baseConfig(), exposure.Config{})
	f.market(t, binary("m1", 1000))
	f.deposit(t, "alice", "100")

	m, err := f.exec.CloseMarket(t.Context(), "m1")
	require.NoError(t, err)
	assert.Equal(t, schema.MarketStatusClosed, m.Status)

	_, err = f.exec.Execute(t.Context(), "alice", buy("m1", 0, "10"))
	require.True(t, errors.Is(err, exception.ErrMarketNotActive), "err: %v", err)

	_, err = f.exec.CloseMarket(t.Context(), "m1")
	require.True(t, errors.Is(err, exception.ErrMarketNotActive), "err: %v", err)
}

func TestResolveMarketPaysWinners(t *testing.T) {
	f := newFixture(t, baseConfig(), exposure.Config{})
	f.market(t, binary("m1", 1000))
	f.market(t, binary("m2", 1000))
	f.deposit(t, "alice", "500")
	f.deposit(t, "bob", "500")

	yes, err := f.exec.Execute(t.Context(), "alice", buy("m1", schema.OutcomeYes, "100"))
	require.NoError(t, err)
	_, err = f.exec.Execute(t.Context(), "bob", buy("m1", schema.OutcomeNo, "50"))
	require.NoError(t, err)
	other, err := f.exec.Execute(t.Context(), "bob", buy("m2", schema.OutcomeYes, "20"))
	require.NoError(t, err)

	_, err = f.exec.ResolveMarket(t.Context(), "m1", 5)
	require.True(t, errors.Is(err, exception.ErrInvalidOutcome), "err: %v", err)

	m, err := f.exec.ResolveMarket(t.Context(), "m1", schema.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, schema.MarketStatusResolved, m.Status)
	assert.Equal(t, schema.OutcomeYes, m.Winner)

	assert.True(t, f.cash("alice").Equal(d("400").Add(yes.FilledQty)), "alice %s", f.cash("alice"))
	assert.True(t, f.cash("bob").Equal(d("430")), "bob %s", f.cash("bob"))
	for _, owner := range []string{"alice", "bob", schema.PlatformPool} {
		for _, o := range []int{schema.OutcomeYes, schema.OutcomeNo} {
			assert.True(t, f.shares(owner, "m1", o).IsZero(), "%s outcome %d", owner, o)
		}
	}
	// Other markets are untouched.
	assert.True(t, f.shares("bob", "m2", schema.OutcomeYes).Equal(other.FilledQty))
	requireConserved(t, f, "1000")

	_, err = f.exec.Execute(t.Context(), "alice", buy("m1", 0, "10"))
	require.True(t, errors.Is(err, exception.ErrMarketNotActive), "err: %v", err)
	_, err = f.exec.ResolveMarket(t.Context(), "m1", schema.OutcomeNo)
	require.True(t, errors.Is(err, exception.ErrMarketNotActive), "err: %v", err)

	var resolved []schema.MarketLifecycle
	require.NoError(t, f.journal.Replay(t.Context(), 0, func(h schema.EventHeader, payload []byte) error {
		if h.Type != schema.EventMarketLifecycle {
			return nil
		}
		ev, err := codec.DecodeMarketLifecycle(payload)
		if err != nil {
			return err
		}
		if ev.Status == schema.MarketStatusResolved {
			resolved = append(resolved, ev)
		}
		return nil
	}))
	require.Len(t, resolved, 1)
	assert.NotEmpty(t, resolved[0].Deltas)
}

func TestResolveMarketReleasesExposure(t *testing.T) {
	f := newFixture(t, baseConfig(), exposure.Config{MaxPlatform: d("150")})
	f.market(t, binary("m1", 1000))
	f.market(t, binary("m2", 1000))
	f.deposit(t, "alice", "500")

	_, err := f.exec.Execute(t.Context(), "alice", buy("m1", schema.OutcomeYes, "100"))
	require.NoError(t, err)
	_, err = f.exec.Execute(t.Context(), "alice", buy("m1", schema.OutcomeYes, "60"))
	require.NoError(t, err)

	_, err = f.exec.Execute(t.Context(), "alice", buy("m2", schema.OutcomeYes, "10"))
	require.True(t, errors.Is(err, exception.ErrExposureLimitReached), "err: %v", err)

	_, err = f.exec.ResolveMarket(t.Context(), "m1", schema.OutcomeNo)
	require.NoError(t, err)

	snap := f.exposure.Snapshot()
	assert.NotContains(t, snap.PerMarket, "m1")
	assert.True(t, snap.Platform.IsZero(), "platform %s", snap.Platform)
	assert.True(t, f.exposure.CanTrade("m2"))

	_, err = f.exec.Execute(t.Context(), "alice", buy("m2", schema.OutcomeYes, "10"))
	require.NoError(t, err)
}
