package ledger

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"predmkt/internal/schema"
	"predmkt/pkg/exception"
)

type entry struct {
	acc       *account
	available decimal.Decimal
	locked    decimal.Decimal
	origin    decimal.Decimal
}

// Tx stages debit, credit, lock and unlock operations. Nothing is visible
// to other readers until Commit.
type Tx struct {
	ledger  *Ledger
	order   []Key
	entries map[Key]*entry
	closed  bool
}

func (tx *Tx) entry(owner, instrument string) (*entry, error) {
	if tx.closed {
		return nil, exception.ErrTxClosed
	}
	e, ok := tx.entries[Key{Owner: owner, Instrument: instrument}]
	if !ok {
		return nil, errors.Wrapf(exception.ErrUndeclaredKey, "owner: %s, instrument: %s", owner, instrument)
	}
	return e, nil
}

func shortfall(instrument string) error {
	if schema.IsCash(instrument) {
		return exception.ErrInsufficientBalance
	}
	return exception.ErrInsufficientShares
}

// Debit removes amount from available.
func (tx *Tx) Debit(owner, instrument string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return exception.ErrNonPositiveAmount
	}
	e, err := tx.entry(owner, instrument)
	if err != nil {
		return err
	}
	if !tx.ledger.IsIssuer(owner) && e.available.LessThan(amount) {
		return errors.Wrapf(shortfall(instrument), "owner: %s, instrument: %s, available: %s, amount: %s",
			owner, instrument, e.available, amount)
	}
	e.available = e.available.Sub(amount)
	return nil
}

// Credit adds amount to available.
func (tx *Tx) Credit(owner, instrument string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return exception.ErrNonPositiveAmount
	}
	e, err := tx.entry(owner, instrument)
	if err != nil {
		return err
	}
	e.available = e.available.Add(amount)
	return nil
}

// Lock moves amount from available to locked.
func (tx *Tx) Lock(owner, instrument string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return exception.ErrNonPositiveAmount
	}
	e, err := tx.entry(owner, instrument)
	if err != nil {
		return err
	}
	if e.available.LessThan(amount) {
		return errors.Wrapf(shortfall(instrument), "owner: %s, instrument: %s, available: %s, lock: %s",
			owner, instrument, e.available, amount)
	}
	e.available = e.available.Sub(amount)
	e.locked = e.locked.Add(amount)
	return nil
}

// Unlock moves amount from locked back to available.
func (tx *Tx) Unlock(owner, instrument string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return exception.ErrNonPositiveAmount
	}
	e, err := tx.entry(owner, instrument)
	if err != nil {
		return err
	}
	if e.locked.LessThan(amount) {
		return errors.Wrapf(exception.ErrInsufficientLocked, "owner: %s, instrument: %s, locked: %s, unlock: %s",
			owner, instrument, e.locked, amount)
	}
	e.locked = e.locked.Sub(amount)
	e.available = e.available.Add(amount)
	return nil
}

// View returns the staged balance of a declared key.
func (tx *Tx) View(owner, instrument string) (schema.Balance, error) {
	e, err := tx.entry(owner, instrument)
	if err != nil {
		return schema.Balance{}, err
	}
	return schema.Balance{Owner: owner, Instrument: instrument, Available: e.available, Locked: e.locked}, nil
}

// Deltas returns the net change of every touched row, in key order.
// Moves between available and locked of the same row net to zero.
func (tx *Tx) Deltas() []schema.BalanceDelta {
	out := make([]schema.BalanceDelta, 0, len(tx.order))
	for _, k := range tx.order {
		e := tx.entries[k]
		diff := e.available.Add(e.locked).Sub(e.origin)
		if diff.IsZero() {
			continue
		}
		out = append(out, schema.BalanceDelta{Owner: k.Owner, Instrument: k.Instrument, Amount: diff})
	}
	return out
}

// Commit publishes every staged change and releases the row locks.
func (tx *Tx) Commit() {
	if tx.closed {
		return
	}
	for _, k := range tx.order {
		e := tx.entries[k]
		e.acc.available = e.available
		e.acc.locked = e.locked
	}
	tx.release()
}

// Rollback discards every staged change and releases the row locks.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	tx.release()
}

func (tx *Tx) release() {
	tx.closed = true
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.entries[tx.order[i]].acc.mu.Unlock()
	}
}
