package store

import (
	"context"
	"time"

	"github.com/yanun0323/logs"

	"predmkt/internal/bus"
	"predmkt/internal/schema"
)

// Projector writes bus events into a Repository.
type Projector struct {
	repo    Repository
	timeout time.Duration
}

// NewProjector creates a projector. Each write is bounded by timeout.
func NewProjector(repo Repository, timeout time.Duration) *Projector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Projector{repo: repo, timeout: timeout}
}

// Run projects events until the context is done or the queue closes.
func (p *Projector) Run(ctx context.Context, q *bus.Queue) {
	q.Run(ctx, func(e bus.Event) {
		if err := p.Project(ctx, e); err != nil {
			logs.Errorf("store: project %s, err: %+v", e.Header.Type, err)
		}
	})
}

// Project writes one event. Events without a read-model row are ignored.
func (p *Projector) Project(ctx context.Context, e bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	switch ev := e.Value.(type) {
	case schema.MarketLifecycle:
		return p.repo.SaveMarket(ctx, NewMarketRow(ev.Market, false, ev.At))
	case schema.PriceUpdated:
		return p.repo.UpdatePrices(ctx, ev.MarketID, ev.Q, ev.Probabilities, ev.At)
	case schema.MarketRepriced:
		return p.repo.SetHalted(ctx, ev.MarketID, ev.Halted, ev.At)
	case schema.TradeExecuted:
		return p.repo.SaveTrade(ctx, NewTradeRow(ev))
	case schema.HedgeStatusChanged:
		return p.repo.SaveHedge(ctx, NewHedgeRow(ev.Record))
	default:
		return nil
	}
}

// LoadMarkets returns the stored markets with their last projected q.
func LoadMarkets(ctx context.Context, repo Repository) ([]schema.Market, error) {
	rows, err := repo.Markets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Market, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Market())
	}
	return out, nil
}
