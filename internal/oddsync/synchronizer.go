// Package oddsync pulls external venue odds into the AMM. Each tick it
// converts venue mid prices into a q vector and replaces the q of every
// market that drifted too far from the venue.
package oddsync

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"predmkt/internal/codec"
	"predmkt/internal/market"
	"predmkt/internal/obs"
	"predmkt/internal/pricing"
	"predmkt/internal/schema"
	"predmkt/internal/venue"
	"predmkt/pkg/exception"
)

// Config controls the sync loop.
type Config struct {
	Interval     time.Duration
	MinDrift     float64
	Clamp        pricing.ClampPolicy
	QuoteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.QuoteTimeout <= 0 {
		c.QuoteTimeout = 2 * time.Second
	}
	if c.Clamp.Floor == 0 && c.Clamp.Ceil == 0 {
		mode := c.Clamp.Mode
		c.Clamp = pricing.DefaultClampPolicy()
		c.Clamp.Mode = mode
	}
	return c
}

// Journal durably records repricing before it takes effect.
type Journal interface {
	Append(header schema.EventHeader, payload []byte) (uint64, error)
}

// Instruments maps outcomes to venue instruments.
type Instruments interface {
	Instrument(marketID string, outcome int) (string, bool)
}

// Publisher broadcasts events.
type Publisher interface {
	Publish(source uint16, value any)
}

// Deps are the collaborators of a synchronizer. Bus and Metrics may be nil.
type Deps struct {
	Arena       *market.Arena
	Quotes      venue.QuoteSource
	Instruments Instruments
	Journal     Journal
	Bus         Publisher
	Metrics     *obs.Metrics
}

// Result is what one sync pass did to one market.
type Result struct {
	MarketID string
	Repriced bool
	Halted   bool
	Drift    float64
}

// Synchronizer periodically reprices markets from venue odds.
type Synchronizer struct {
	cfg  Config
	deps Deps
}

// New wires a synchronizer.
func New(cfg Config, deps Deps) (*Synchronizer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Clamp.Validate(); err != nil {
		return nil, err
	}
	if cfg.MinDrift < 0 || cfg.MinDrift >= 1 {
		return nil, errors.Errorf("sync min drift must be in [0, 1), got %v", cfg.MinDrift)
	}
	if deps.Arena == nil || deps.Quotes == nil || deps.Instruments == nil || deps.Journal == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "synchronizer needs arena, quotes, instruments and journal")
	}
	return &Synchronizer{cfg: cfg, deps: deps}, nil
}

// Run syncs every interval until the context is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce runs one pass over every active market with mapped instruments.
// A market whose quotes cannot be read keeps its q.
func (s *Synchronizer) SyncOnce(ctx context.Context) []Result {
	var out []Result
	for _, m := range s.deps.Arena.List() {
		if ctx.Err() != nil {
			return out
		}
		if m.Status != schema.MarketStatusActive {
			continue
		}
		ps, ok, err := s.external(ctx, m)
		if err != nil {
			logs.Warnf("oddsync: read odds of market %s, err: %+v", m.ID, err)
			continue
		}
		if !ok {
			continue
		}
		res, err := s.apply(m.ID, ps)
		if err != nil {
			logs.Errorf("oddsync: reprice market %s, err: %+v", m.ID, err)
			continue
		}
		s.deps.Metrics.IncSync(res.Repriced)
		out = append(out, res)
	}
	return out
}

// external reads the venue probability of every outcome. ok is false when
// the market has no usable mapping.
func (s *Synchronizer) external(ctx context.Context, m schema.Market) ([]float64, bool, error) {
	if m.Type.IsBinary() {
		if inst, ok := s.deps.Instruments.Instrument(m.ID, schema.OutcomeYes); ok {
			p, err := s.mid(ctx, inst)
			if err != nil {
				return nil, false, err
			}
			return []float64{p, 1 - p}, true, nil
		}
		if inst, ok := s.deps.Instruments.Instrument(m.ID, schema.OutcomeNo); ok {
			p, err := s.mid(ctx, inst)
			if err != nil {
				return nil, false, err
			}
			return []float64{1 - p, p}, true, nil
		}
		return nil, false, nil
	}

	ps := make([]float64, len(m.Outcomes))
	for i := range m.Outcomes {
		inst, ok := s.deps.Instruments.Instrument(m.ID, i)
		if !ok {
			return nil, false, nil
		}
		p, err := s.mid(ctx, inst)
		if err != nil {
			return nil, false, err
		}
		ps[i] = p
	}
	return ps, true, nil
}

func (s *Synchronizer) mid(ctx context.Context, instrument string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QuoteTimeout)
	defer cancel()

	q, err := s.deps.Quotes.BestPrice(ctx, instrument)
	if err != nil {
		return 0, err
	}
	mid, ok := q.Mid()
	if !ok {
		return 0, errors.Wrapf(exception.ErrVenueEmptyBook, "instrument %s", instrument)
	}
	return mid.InexactFloat64(), nil
}

// apply converts external probabilities into q and replaces the market's q
// when it drifted at least MinDrift.
func (s *Synchronizer) apply(marketID string, ps []float64) (Result, error) {
	res := Result{MarketID: marketID}
	var ev schema.MarketRepriced

	err := s.deps.Arena.With(marketID, func(st *market.State) error {
		m := &st.Market
		if m.Status != schema.MarketStatusActive {
			return nil
		}

		q, ok := pricing.ProbabilitiesToQ(ps, m.B, s.cfg.Clamp)
		if !ok {
			if st.Halted {
				res.Halted = true
				return nil
			}
			ev = schema.MarketRepriced{EventID: uuid.NewString(), MarketID: m.ID, Q: append([]float64(nil), m.Q...), Halted: true, At: time.Now().UTC()}
			if err := s.journal(ev); err != nil {
				return err
			}
			st.Halted = true
			res.Halted = true
			logs.Warnf("oddsync: market %s halted, venue odds %v outside [%v, %v]", m.ID, ps, s.cfg.Clamp.Floor, s.cfg.Clamp.Ceil)
			return nil
		}

		res.Drift = drift(m.Probabilities(), pricing.Prices(q, m.B))
		if !st.Halted && res.Drift < s.cfg.MinDrift {
			return nil
		}

		ev = schema.MarketRepriced{EventID: uuid.NewString(), MarketID: m.ID, Q: q, At: time.Now().UTC()}
		if err := s.journal(ev); err != nil {
			return err
		}
		if st.Halted {
			logs.Infof("oddsync: market %s resumed", m.ID)
		}
		st.Halted = false
		st.SetQ(q)
		res.Repriced = true
		return nil
	})
	if err != nil {
		return res, err
	}

	if res.Repriced && s.deps.Bus != nil {
		m, _ := s.deps.Arena.Get(marketID)
		s.deps.Bus.Publish(schema.SourceSynchronizer, schema.PriceUpdated{
			EventID:       uuid.NewString(),
			MarketID:      marketID,
			Q:             ev.Q,
			Probabilities: m.Probabilities(),
			Source:        schema.SourceSynchronizer,
			At:            ev.At,
		})
	}
	return res, nil
}

func (s *Synchronizer) journal(ev schema.MarketRepriced) error {
	payload, err := codec.EncodeMarketRepriced(ev)
	if err != nil {
		return err
	}
	now := ev.At.UnixNano()
	header := schema.NewHeader(schema.EventMarketRepriced, schema.SourceSynchronizer, 0, now, now)
	if _, err := s.deps.Journal.Append(header, payload); err != nil {
		return errors.Wrap(err, "journal market repriced")
	}
	return nil
}

func drift(a, b []float64) float64 {
	var worst float64
	for i := range a {
		if i >= len(b) {
			break
		}
		worst = math.Max(worst, math.Abs(a[i]-b[i]))
	}
	return worst
}
