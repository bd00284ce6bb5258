package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"predmkt/internal/app"
	"predmkt/internal/ops"
	"predmkt/internal/schema"
	"predmkt/internal/venue/sim"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config (default: built-in paper config)")
	outDir := flag.String("out-dir", "testdata/paper", "Directory for the paper outbox and snapshot")
	users := flag.Int("users", 5, "Number of simulated users")
	orders := flag.Int("orders", 200, "Number of orders to submit")
	deposit := flag.Float64("deposit", 1000, "Cash deposited per user")
	maxAmount := flag.Float64("max-amount", 50, "Max USD per buy")
	sellRatio := flag.Float64("sell-ratio", 0.3, "Share of orders that sell held shares")
	step := flag.Float64("step", 0.01, "Max venue mid move per order")
	seed := flag.Uint64("seed", 1, "Random seed")
	drain := flag.Duration("drain-timeout", 10*time.Second, "Max wait for pending hedges")
	flag.Parse()

	if *users <= 0 || *orders < 0 || *maxAmount < 1 {
		log.Fatalf("users must be > 0, orders >= 0 and max-amount >= 1")
	}

	loaded, err := loadConfig(*configPath, *outDir)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if len(loaded.Markets) == 0 {
		log.Fatalf("no markets configured")
	}

	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	v := sim.New(sim.Config{FeeBps: loaded.VenueFeeBps})
	mids := make(map[string]float64)
	for _, m := range loaded.Markets {
		for _, o := range m.Outcomes {
			if o.VenueInstrument == "" {
				continue
			}
			mids[o.VenueInstrument] = o.Probability
			setQuote(v, o.VenueInstrument, o.Probability)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, loaded, app.WithVenue(v))
	if err != nil {
		log.Fatalf("app init failed: %v", err)
	}
	if err := a.Bootstrap(ctx); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	names := make([]string, *users)
	for i := range names {
		names[i] = fmt.Sprintf("paper-%d", i)
		if _, err := a.Executor.Deposit(ctx, names[i], decimal.NewFromFloat(*deposit).Truncate(2)); err != nil {
			log.Fatalf("deposit failed: %v", err)
		}
	}

	markets := a.State.Arena.List()
	statuses := make(map[string]int)
	for n := 0; n < *orders; n++ {
		for inst, mid := range mids {
			mid += (rng.Float64()*2 - 1) * *step
			mid = min(max(mid, 0.02), 0.98)
			mids[inst] = mid
			setQuote(v, inst, mid)
		}

		user := names[rng.IntN(len(names))]
		m := markets[rng.IntN(len(markets))]
		outcome := rng.IntN(len(m.Outcomes))
		req := schema.OrderRequest{MarketID: m.ID, Outcome: outcome, Side: schema.OrderSideBuy, Kind: schema.OrderKindMarket}

		held := a.State.Ledger.Balance(user, schema.ShareSymbol(m.ID, outcome)).Available
		if rng.Float64() < *sellRatio && held.IsPositive() {
			req.Side = schema.OrderSideSell
			req.Amount = held.Mul(decimal.NewFromFloat(rng.Float64())).Truncate(6)
		} else {
			req.Amount = decimal.NewFromFloat(1 + rng.Float64()*(*maxAmount-1)).Truncate(2)
		}
		if !req.Amount.IsPositive() {
			continue
		}

		if _, err := a.Executor.Execute(ctx, user, req); err != nil {
			statuses["error"]++
			continue
		}
		statuses[req.Side.String()]++
	}

	deadline := time.Now().Add(*drain)
	for a.Outbox.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	pending := a.Outbox.PendingCount()

	cancel()
	if err := <-done; err != nil {
		log.Printf("run stopped: %v", err)
	}

	report(a, statuses, pending, v.TotalExecutions())
	if err := a.Close(); err != nil {
		log.Fatalf("close failed: %v", err)
	}
}

func loadConfig(path, outDir string) (ops.Loaded, error) {
	if path != "" {
		loaded, err := ops.Load(path)
		if err != nil {
			return ops.Loaded{}, err
		}
		loaded.Outbox.Dir = filepath.Join(outDir, "outbox")
		loaded.SnapshotPath = filepath.Join(outDir, "state.json")
		return loaded, nil
	}

	return ops.Resolve(ops.FileConfig{
		Engine: ops.EngineConfig{
			LiquidityParameter: 1000,
			MarkupRate:         decimal.RequireFromString("0.02"),
			MinTrade:           decimal.RequireFromString("1"),
			MaxSlippageBps:     500,
			HedgeWorkers:       4,
			VenueFeeBps:        10,
			SyncIntervalMs:     500,
			SyncMinDrift:       0.02,
		},
		Storage: ops.StorageConfig{
			OutboxDir:    filepath.Join(outDir, "outbox"),
			SnapshotPath: filepath.Join(outDir, "state.json"),
		},
		Markets: []ops.MarketConfig{
			{
				ID: "paper-binary",
				Outcomes: []ops.OutcomeConfig{
					{Name: "YES", VenueInstrument: "PB-YES"},
					{Name: "NO"},
				},
			},
			{
				ID:   "paper-multi",
				Type: "multiple",
				Outcomes: []ops.OutcomeConfig{
					{Name: "A", VenueInstrument: "PM-A"},
					{Name: "B", VenueInstrument: "PM-B"},
					{Name: "C", VenueInstrument: "PM-C"},
				},
			},
		},
	})
}

func setQuote(v *sim.Venue, instrument string, mid float64) {
	half := 0.005
	bid := decimal.NewFromFloat(max(mid-half, 0.001)).Round(4)
	ask := decimal.NewFromFloat(min(mid+half, 0.999)).Round(4)
	v.SetQuote(instrument, bid, ask)
}

func report(a *app.App, orders map[string]int, pending, executions int) {
	snap := a.Metrics.Snapshot()
	exp := a.State.Exposure.Snapshot()

	log.Printf("orders: %v", orders)
	log.Printf("order statuses: %v", snap.OrderStatusCounts)
	log.Printf("hedges: executions=%d pending=%d statuses=%v reasons=%v", executions, pending, snap.HedgeStatusCounts, snap.HedgeReasonCounts)
	log.Printf("sync: repriced=%d skipped=%d exposure_blocks=%d", snap.SyncRepriced, snap.SyncSkipped, snap.ExposureBlocks)
	log.Printf("latency: execute=%+v append=%+v hedge=%+v", snap.ExecuteLatency, snap.AppendLatency, snap.HedgeLatency)

	ids := make([]string, 0, len(exp.PerMarket))
	for id := range exp.PerMarket {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		log.Printf("exposure %s: %s", id, exp.PerMarket[id])
	}
	log.Printf("exposure platform: %s", exp.Platform)

	for _, m := range a.State.Arena.List() {
		log.Printf("market %s: q=%v probabilities=%v halted=%v", m.ID, m.Q, m.Probabilities(), a.State.Arena.Halted(m.ID))
	}
	log.Printf("halted markets: %v", a.State.Arena.HaltedIDs())
	revenue := a.State.Ledger.Balance(schema.PlatformRevenue, schema.CashSymbol)
	pool := a.State.Ledger.Balance(schema.PlatformPool, schema.CashSymbol)
	log.Printf("platform: revenue=%s pool=%s", revenue.Total(), pool.Total())
}
