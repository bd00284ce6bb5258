package exposure

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predmkt/internal/bus"
	"predmkt/internal/schema"
)

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestMarketCapBlocksAboveLimit(t *testing.T) {
	m := NewMonitor(Config{MaxPerMarket: usd(5000)})

	m.OnTradeExecuted("t1", "m1", usd(5000))
	assert.True(t, m.CanTrade("m1"), "exactly at the cap is allowed")

	m.OnTradeExecuted("t2", "m1", usd(1))
	d := m.Evaluate("m1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMarketCap, d.Reason)
	assert.True(t, d.Market.Equal(usd(5001)))

	assert.True(t, m.CanTrade("m2"), "other markets are unaffected")

	m.OnHedgeStatus(schema.HedgeRecord{TradeID: "t2", Status: schema.HedgeStatusHedged})
	assert.True(t, m.CanTrade("m1"))
}

func TestPlatformCap(t *testing.T) {
	m := NewMonitor(Config{MaxPlatform: usd(100)})
	m.OnTradeExecuted("t1", "m1", usd(60))
	m.OnTradeExecuted("t2", "m2", usd(60))

	d := m.Evaluate("m3")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPlatformCap, d.Reason)
}

func TestKillSwitch(t *testing.T) {
	m := NewMonitor(Config{KillSwitch: true})
	assert.Equal(t, ReasonKillSwitch, m.Evaluate("m1").Reason)

	m.SetConfig(Config{MaxPerMarket: usd(10)})
	assert.True(t, m.CanTrade("m1"))
	m.OnTradeExecuted("t1", "m1", usd(11))
	assert.Equal(t, ReasonMarketCap, m.Evaluate("m1").Reason)
}

func TestIdempotentPerTrade(t *testing.T) {
	m := NewMonitor(Config{})
	m.OnTradeExecuted("t1", "m1", usd(10))
	m.OnTradeExecuted("t1", "m1", usd(10))
	assert.True(t, m.Snapshot().Platform.Equal(usd(10)))

	hedged := schema.HedgeRecord{TradeID: "t1", Status: schema.HedgeStatusHedged}
	m.OnHedgeStatus(hedged)
	m.OnHedgeStatus(hedged)
	snap := m.Snapshot()
	assert.True(t, snap.Platform.IsZero())
	assert.Empty(t, snap.PerMarket)

	m.OnTradeExecuted("t1", "m1", usd(10))
	assert.True(t, m.Snapshot().Platform.IsZero(), "redelivered settled trade stays settled")
}

func TestFailedHedgeKeepsExposure(t *testing.T) {
	m := NewMonitor(Config{})
	m.OnTradeExecuted("t1", "m1", usd(10))
	m.OnHedgeStatus(schema.HedgeRecord{TradeID: "t1", Status: schema.HedgeStatusFailed, Reason: schema.HedgeReasonUnmapped})
	assert.True(t, m.Snapshot().PerMarket["m1"].Equal(usd(10)))
}

func TestHedgeBeforeTrade(t *testing.T) {
	m := NewMonitor(Config{})
	m.OnHedgeStatus(schema.HedgeRecord{TradeID: "t1", Status: schema.HedgeStatusHedged})
	m.OnTradeExecuted("t1", "m1", usd(10))
	assert.True(t, m.Snapshot().Platform.IsZero())
}

func TestExportRestore(t *testing.T) {
	m := NewMonitor(Config{})
	m.OnTradeExecuted("b", "m1", usd(2))
	m.OnTradeExecuted("a", "m2", usd(3))

	open := m.Export()
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].TradeID)

	restored := NewMonitor(Config{})
	restored.Restore(open)
	assert.True(t, restored.Snapshot().Platform.Equal(usd(5)))
}

func TestRunConsumesBus(t *testing.T) {
	m := NewMonitor(Config{})
	b := bus.New(nil, nil)
	q := b.Subscribe("exposure", 8)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx, q)
		close(done)
	}()

	b.Publish(schema.SourceExecutor, schema.TradeExecuted{TradeID: "t1", MarketID: "m1", Cash: usd(7)})
	require.Eventually(t, func() bool {
		return m.Snapshot().Platform.Equal(usd(7))
	}, time.Second, 5*time.Millisecond)

	b.Publish(schema.SourceAdmin, schema.MarketLifecycle{Market: schema.Market{ID: "m1"}, Status: schema.MarketStatusClosed})
	b.Publish(schema.SourceAdmin, schema.MarketLifecycle{Market: schema.Market{ID: "m1"}, Status: schema.MarketStatusResolved})
	require.Eventually(t, func() bool {
		return m.Snapshot().Platform.IsZero()
	}, time.Second, 5*time.Millisecond)

	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("monitor did not stop after queue close")
	}
}

func TestPartialFillReleasesHedgedShare(t *testing.T) {
	m := NewMonitor(Config{})
	m.OnTradeExecuted("t1", "m1", usd(50))

	partial := schema.HedgeRecord{TradeID: "t1", Status: schema.HedgeStatusRetry, Reason: schema.HedgeReasonPartialFill, Qty: usd(100), Filled: usd(40)}
	m.OnHedgeStatus(partial)
	m.OnHedgeStatus(partial)
	assert.True(t, m.Snapshot().Platform.Equal(usd(30)))

	// An older record arriving late never adds exposure back.
	m.OnHedgeStatus(schema.HedgeRecord{TradeID: "t1", Status: schema.HedgeStatusRetry, Qty: usd(100), Filled: usd(20)})
	assert.True(t, m.Snapshot().PerMarket["m1"].Equal(usd(30)))

	m.OnHedgeStatus(schema.HedgeRecord{TradeID: "t1", Status: schema.HedgeStatusFailed, Reason: schema.HedgeReasonSpreadUnavailable, Qty: usd(100), Filled: usd(70)})
	assert.True(t, m.Snapshot().Platform.Equal(usd(15)), "failed hedge keeps the unfilled rest")

	open := m.Export()
	require.Len(t, open, 1)
	restored := NewMonitor(Config{})
	restored.Restore(open)
	restored.OnHedgeStatus(schema.HedgeRecord{TradeID: "t1", Status: schema.HedgeStatusRetry, Qty: usd(100), Filled: usd(90)})
	assert.True(t, restored.Snapshot().Platform.Equal(usd(5)))
}

func TestMarketClosedHedgeReleasesExposure(t *testing.T) {
	m := NewMonitor(Config{})
	m.OnTradeExecuted("t1", "m1", usd(10))
	m.OnTradeExecuted("t2", "m1", usd(5))
	m.OnHedgeStatus(schema.HedgeRecord{TradeID: "t1", Status: schema.HedgeStatusFailed, Reason: schema.HedgeReasonMarketClosed})

	snap := m.Snapshot()
	assert.True(t, snap.Platform.Equal(usd(5)))
	assert.True(t, snap.PerMarket["m1"].Equal(usd(5)))
}

func TestResolvedMarketFreesPlatformCap(t *testing.T) {
	m := NewMonitor(Config{MaxPlatform: usd(150)})
	m.OnTradeExecuted("t1", "m1", usd(100))
	m.OnTradeExecuted("t2", "m1", usd(60))
	m.OnTradeExecuted("t3", "m2", usd(20))
	assert.False(t, m.CanTrade("m3"))

	m.ReleaseMarket("m1")
	snap := m.Snapshot()
	assert.True(t, snap.Platform.Equal(usd(20)))
	assert.NotContains(t, snap.PerMarket, "m1")
	assert.True(t, m.CanTrade("m3"))

	m.OnTradeExecuted("t1", "m1", usd(100))
	assert.True(t, m.Snapshot().Platform.Equal(usd(20)), "released trades stay released")
}
