package schema

import (
	"fmt"
	"sync"
)

// OutcomeKey addresses one outcome of a market.
type OutcomeKey struct {
	MarketID string
	Outcome  int
}

// Registry maps internal outcomes to external venue instruments and back.
type Registry struct {
	mu           sync.RWMutex
	venue        string
	byOutcome    map[OutcomeKey]string
	byInstrument map[string]OutcomeKey
}

// NewRegistry creates an empty registry for a venue.
func NewRegistry(venue string) *Registry {
	return &Registry{
		venue:        venue,
		byOutcome:    make(map[OutcomeKey]string),
		byInstrument: make(map[string]OutcomeKey),
	}
}

// Venue returns the venue name the instruments belong to.
func (r *Registry) Venue() string {
	return r.venue
}

// Map registers the instrument for an outcome.
func (r *Registry) Map(marketID string, outcome int, instrument string) error {
	if marketID == "" {
		return fmt.Errorf("market id is empty")
	}
	if instrument == "" {
		return fmt.Errorf("instrument is empty")
	}
	if outcome < 0 {
		return fmt.Errorf("outcome index is invalid: %d", outcome)
	}
	key := OutcomeKey{MarketID: marketID, Outcome: outcome}

	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byInstrument[instrument]; ok && owner != key {
		return fmt.Errorf("instrument already mapped: %s -> %s:%d", instrument, owner.MarketID, owner.Outcome)
	}
	if prev, ok := r.byOutcome[key]; ok {
		delete(r.byInstrument, prev)
	}
	r.byOutcome[key] = instrument
	r.byInstrument[instrument] = key
	return nil
}

// Instrument returns the venue instrument for an outcome.
func (r *Registry) Instrument(marketID string, outcome int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byOutcome[OutcomeKey{MarketID: marketID, Outcome: outcome}]
	return id, ok
}

// Outcome returns the internal outcome for a venue instrument.
func (r *Registry) Outcome(instrument string) (OutcomeKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byInstrument[instrument]
	return key, ok
}

// Count returns the number of mapped outcomes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOutcome)
}
