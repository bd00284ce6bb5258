package hedge

import (
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"predmkt/internal/schema"
)

var (
	ErrDuplicateRecord   = errors.New("hedge: record already exists")
	ErrUnknownRecord     = errors.New("hedge: record not found")
	ErrInvalidTransition = errors.New("hedge: invalid state transition")
)

// StateMachine owns hedge records keyed by trade id and enforces
// Pending -> Retry* -> Hedged|Failed.
type StateMachine struct {
	mu      sync.Mutex
	records map[string]*schema.HedgeRecord
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{records: make(map[string]*schema.HedgeRecord)}
}

// Record returns a copy of the current record.
func (m *StateMachine) Record(tradeID string) (schema.HedgeRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[tradeID]
	if !ok {
		return schema.HedgeRecord{}, false
	}
	return *r, true
}

// Records returns copies of every record ordered by trade id.
func (m *StateMachine) Records() []schema.HedgeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.HedgeRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out
}

// Open registers a new record in Pending state. An existing record is
// returned together with ErrDuplicateRecord.
func (m *StateMachine) Open(rec schema.HedgeRecord) (schema.HedgeRecord, error) {
	if rec.TradeID == "" {
		return schema.HedgeRecord{}, ErrUnknownRecord
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[rec.TradeID]; ok {
		return *r, ErrDuplicateRecord
	}
	rec.Status = schema.HedgeStatusPending
	rec.Reason = schema.HedgeReasonNone
	rec.UpdatedAt = time.Now().UTC()
	m.records[rec.TradeID] = &rec
	return rec, nil
}

// Transition moves a record to the next status. The optional mutate func
// runs on the record before the status is set.
func (m *StateMachine) Transition(tradeID string, status schema.HedgeStatus, reason schema.HedgeReason, mutate func(*schema.HedgeRecord)) (schema.HedgeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[tradeID]
	if !ok {
		return schema.HedgeRecord{}, ErrUnknownRecord
	}
	if !canTransition(r.Status, status) {
		return *r, errors.Wrapf(ErrInvalidTransition, "%s -> %s", r.Status, status)
	}
	if mutate != nil {
		mutate(r)
	}
	r.Status = status
	r.Reason = reason
	r.UpdatedAt = time.Now().UTC()
	return *r, nil
}

func canTransition(from, to schema.HedgeStatus) bool {
	switch from {
	case schema.HedgeStatusPending, schema.HedgeStatusRetry:
		switch to {
		case schema.HedgeStatusRetry, schema.HedgeStatusHedged, schema.HedgeStatusFailed:
			return true
		}
	}
	return false
}
