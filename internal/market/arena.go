// Package market holds the AMM state of every market. Each market lives in
// its own slot guarded by its own mutex: q mutations of one market are
// totally ordered, different markets never contend.
package market

import (
	"sort"
	"sync"

	"github.com/yanun0323/errors"

	"predmkt/internal/pricing"
	"predmkt/internal/schema"
	"predmkt/pkg/exception"
)

// State is the mutable view of a market handed to With callbacks.
// It must not escape the callback.
type State struct {
	Market schema.Market
	Halted bool
}

// Apply moves q of one outcome by delta and refreshes probabilities.
func (s *State) Apply(outcome int, delta float64) {
	s.Market.Q[outcome] += delta
	s.Reprice()
}

// SetQ replaces the whole q vector and refreshes probabilities.
func (s *State) SetQ(q []float64) {
	copy(s.Market.Q, q)
	s.Reprice()
}

// Reprice recomputes cached probabilities from q.
func (s *State) Reprice() {
	prices := pricing.Prices(s.Market.Q, s.Market.B)
	for i := range s.Market.Outcomes {
		s.Market.Outcomes[i].Probability = prices[i]
	}
}

type slot struct {
	mu    sync.Mutex
	state State
	// done is closed once the market leaves the active status.
	done chan struct{}
}

func newSlot(st State) *slot {
	s := &slot{state: st, done: make(chan struct{})}
	if st.Market.Status != schema.MarketStatusActive {
		close(s.done)
	}
	return s
}

// Arena addresses market states by id.
type Arena struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{slots: make(map[string]*slot)}
}

// Validate checks the static invariants of a market definition.
func Validate(m schema.Market) error {
	if m.ID == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "market id is empty")
	}
	if err := pricing.ValidateLiquidity(m.B); err != nil {
		return errors.Wrapf(err, "market: %s, b: %v", m.ID, m.B)
	}
	n := len(m.Outcomes)
	if n < 2 {
		return errors.Wrapf(exception.ErrInvalidOutcome, "market: %s needs at least 2 outcomes, got %d", m.ID, n)
	}
	if m.Type.IsBinary() && n != 2 {
		return errors.Wrapf(exception.ErrInvalidOutcome, "market: %s is binary but has %d outcomes", m.ID, n)
	}
	if m.Type == schema.MarketTypeUnknown {
		return errors.Wrapf(exception.ErrInvalidArgument, "market: %s has unknown type", m.ID)
	}
	if m.Q != nil && len(m.Q) != n {
		return errors.Wrapf(exception.ErrInvalidArgument, "market: %s has %d q entries for %d outcomes", m.ID, len(m.Q), n)
	}
	return nil
}

// Normalize validates a market definition and fills in the defaults a new
// market starts with. A nil q starts flat.
func Normalize(m schema.Market) (schema.Market, error) {
	if err := Validate(m); err != nil {
		return schema.Market{}, err
	}
	m = m.Clone()
	if m.Q == nil {
		m.Q = make([]float64, len(m.Outcomes))
	}
	for i := range m.Outcomes {
		m.Outcomes[i].Index = i
	}
	if m.Status == schema.MarketStatusUnknown {
		m.Status = schema.MarketStatusActive
	}
	if m.Status != schema.MarketStatusResolved {
		m.Winner = -1
	}
	st := State{Market: m}
	st.Reprice()
	return st.Market, nil
}

// Create registers a new market.
func (a *Arena) Create(m schema.Market) (schema.Market, error) {
	m, err := Normalize(m)
	if err != nil {
		return schema.Market{}, err
	}
	s := newSlot(State{Market: m})

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.slots[m.ID]; ok {
		return schema.Market{}, errors.Wrapf(exception.ErrMarketExists, "market: %s", m.ID)
	}
	a.slots[m.ID] = s
	return s.state.Market.Clone(), nil
}

// Exists reports whether a market id is registered.
func (a *Arena) Exists(id string) bool {
	_, ok := a.slot(id)
	return ok
}

// Put inserts or replaces a market without validation of its lifecycle.
// It is used by recovery.
func (a *Arena) Put(m schema.Market, halted bool) {
	st := State{Market: m.Clone(), Halted: halted}
	st.Reprice()
	s := newSlot(st)
	a.mu.Lock()
	a.slots[m.ID] = s
	a.mu.Unlock()
}

func (a *Arena) slot(id string) (*slot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.slots[id]
	return s, ok
}

// With runs fn while holding the market's lock. Changes made to the State
// are kept only when fn returns nil.
func (a *Arena) With(id string, fn func(*State) error) error {
	s, ok := a.slot(id)
	if !ok {
		return errors.Wrapf(exception.ErrMarketNotFound, "market: %s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := State{Market: s.state.Market.Clone(), Halted: s.state.Halted}
	if err := fn(&work); err != nil {
		return err
	}
	if s.state.Market.Status == schema.MarketStatusActive && work.Market.Status != schema.MarketStatusActive {
		close(s.done)
	}
	s.state = work
	return nil
}

// Closed returns a channel that is closed once the market is closed or
// resolved. Unknown markets report closed.
func (a *Arena) Closed(id string) <-chan struct{} {
	s, ok := a.slot(id)
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.done
}

// Get returns a copy of the market.
func (a *Arena) Get(id string) (schema.Market, bool) {
	s, ok := a.slot(id)
	if !ok {
		return schema.Market{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Market.Clone(), true
}

// Halted reports whether trading on the market is halted by price sync.
func (a *Arena) Halted(id string) bool {
	s, ok := a.slot(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Halted
}

// Status returns the lifecycle status of a market.
func (a *Arena) Status(id string) (schema.MarketStatus, bool) {
	s, ok := a.slot(id)
	if !ok {
		return schema.MarketStatusUnknown, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Market.Status, true
}

// IDs returns every market id in sorted order.
func (a *Arena) IDs() []string {
	a.mu.RLock()
	ids := make([]string, 0, len(a.slots))
	for id := range a.slots {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// List returns copies of every market sorted by id.
func (a *Arena) List() []schema.Market {
	ids := a.IDs()
	out := make([]schema.Market, 0, len(ids))
	for _, id := range ids {
		if m, ok := a.Get(id); ok {
			out = append(out, m)
		}
	}
	return out
}

// HaltedIDs returns the ids of halted markets in sorted order.
func (a *Arena) HaltedIDs() []string {
	var out []string
	for _, id := range a.IDs() {
		if a.Halted(id) {
			out = append(out, id)
		}
	}
	return out
}
