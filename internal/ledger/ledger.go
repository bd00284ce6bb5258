// Package ledger keeps per (owner, instrument) balances split into
// available and locked amounts. Every mutation goes through a Tx that
// holds the row locks of the keys it declared, so a check and the
// mutation it guards are always one atomic unit.
package ledger

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"predmkt/internal/schema"
)

// Key addresses one balance row.
type Key struct {
	Owner      string
	Instrument string
}

func (k Key) less(o Key) bool {
	if k.Owner != o.Owner {
		return k.Owner < o.Owner
	}
	return k.Instrument < o.Instrument
}

type account struct {
	mu        sync.Mutex
	available decimal.Decimal
	locked    decimal.Decimal
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIssuer marks an owner as an issuer. Issuers may hold negative
// balances: they mint share tokens and settle cash on behalf of the AMM.
func WithIssuer(owner string) Option {
	return func(l *Ledger) {
		l.issuers[owner] = true
	}
}

// Ledger is an in-memory balance store with row-level locking.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[Key]*account
	issuers  map[string]bool
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[Key]*account),
		issuers:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsIssuer reports whether the owner may go negative.
func (l *Ledger) IsIssuer(owner string) bool {
	return l.issuers[owner]
}

func (l *Ledger) account(k Key) *account {
	l.mu.RLock()
	acc, ok := l.accounts[k]
	l.mu.RUnlock()
	if ok {
		return acc
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok = l.accounts[k]; ok {
		return acc
	}
	acc = &account{}
	l.accounts[k] = acc
	return acc
}

// Begin opens a transaction over the given keys. The row locks are taken in
// a fixed order so concurrent transactions cannot deadlock. The caller must
// finish the transaction with Commit or Rollback.
func (l *Ledger) Begin(keys ...Key) *Tx {
	uniq := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].less(uniq[j]) })

	tx := &Tx{
		ledger:  l,
		order:   uniq,
		entries: make(map[Key]*entry, len(uniq)),
	}
	for _, k := range uniq {
		acc := l.account(k)
		acc.mu.Lock()
		tx.entries[k] = &entry{
			acc:       acc,
			available: acc.available,
			locked:    acc.locked,
			origin:    acc.available.Add(acc.locked),
		}
	}
	return tx
}

// Balance returns the current balance row.
func (l *Ledger) Balance(owner, instrument string) schema.Balance {
	k := Key{Owner: owner, Instrument: instrument}
	l.mu.RLock()
	acc, ok := l.accounts[k]
	l.mu.RUnlock()
	b := schema.Balance{Owner: owner, Instrument: instrument}
	if !ok {
		return b
	}
	acc.mu.Lock()
	b.Available = acc.available
	b.Locked = acc.locked
	acc.mu.Unlock()
	return b
}

// Totals sums available plus locked per instrument across every owner.
// With double-entry settlement every total stays at the amount that
// entered through deposits.
func (l *Ledger) Totals() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, b := range l.Snapshot() {
		out[b.Instrument] = out[b.Instrument].Add(b.Total())
	}
	return out
}

// Snapshot returns every non-empty balance row sorted by owner and instrument.
func (l *Ledger) Snapshot() []schema.Balance {
	l.mu.RLock()
	keys := make([]Key, 0, len(l.accounts))
	accs := make([]*account, 0, len(l.accounts))
	for k, acc := range l.accounts {
		keys = append(keys, k)
		accs = append(accs, acc)
	}
	l.mu.RUnlock()

	out := make([]schema.Balance, 0, len(keys))
	for i, k := range keys {
		acc := accs[i]
		acc.mu.Lock()
		b := schema.Balance{Owner: k.Owner, Instrument: k.Instrument, Available: acc.available, Locked: acc.locked}
		acc.mu.Unlock()
		if b.Available.IsZero() && b.Locked.IsZero() {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return Key{out[i].Owner, out[i].Instrument}.less(Key{out[j].Owner, out[j].Instrument})
	})
	return out
}

// Restore replaces the ledger content with the given rows.
func (l *Ledger) Restore(rows []schema.Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[Key]*account, len(rows))
	for _, b := range rows {
		l.accounts[Key{Owner: b.Owner, Instrument: b.Instrument}] = &account{
			available: b.Available,
			locked:    b.Locked,
		}
	}
}

// ApplyDeltas replays journaled movements without balance checks.
// Positive amounts are credited, negative ones debited from available.
func (l *Ledger) ApplyDeltas(deltas []schema.BalanceDelta) {
	keys := make([]Key, 0, len(deltas))
	for _, d := range deltas {
		keys = append(keys, Key{Owner: d.Owner, Instrument: d.Instrument})
	}
	tx := l.Begin(keys...)
	for _, d := range deltas {
		e := tx.entries[Key{Owner: d.Owner, Instrument: d.Instrument}]
		e.available = e.available.Add(d.Amount)
	}
	tx.Commit()
}
