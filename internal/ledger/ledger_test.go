package ledger

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"predmkt/internal/schema"
	"predmkt/pkg/exception"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fund(t *testing.T, l *Ledger, owner, instrument, amount string) {
	t.Helper()
	tx := l.Begin(Key{owner, instrument})
	require.NoError(t, tx.Credit(owner, instrument, d(amount)))
	tx.Commit()
}

func TestDebitInsufficientBalance(t *testing.T) {
	l := New()
	fund(t, l, "alice", schema.CashSymbol, "10")

	tx := l.Begin(Key{"alice", schema.CashSymbol})
	err := tx.Debit("alice", schema.CashSymbol, d("10.01"))
	tx.Rollback()

	assert.True(t, errors.Is(err, exception.ErrInsufficientBalance), "err: %v", err)
	assert.True(t, l.Balance("alice", schema.CashSymbol).Available.Equal(d("10")))
}

func TestDebitInsufficientShares(t *testing.T) {
	l := New()
	sym := schema.ShareSymbol("m1", 0)
	tx := l.Begin(Key{"alice", sym})
	err := tx.Debit("alice", sym, d("1"))
	tx.Rollback()
	assert.True(t, errors.Is(err, exception.ErrInsufficientShares), "err: %v", err)
}

func TestRollbackLeavesNoTrace(t *testing.T) {
	l := New()
	fund(t, l, "alice", schema.CashSymbol, "100")

	tx := l.Begin(Key{"alice", schema.CashSymbol}, Key{"bob", schema.CashSymbol})
	require.NoError(t, tx.Debit("alice", schema.CashSymbol, d("40")))
	require.NoError(t, tx.Credit("bob", schema.CashSymbol, d("40")))
	// a later failure aborts the whole unit
	require.Error(t, tx.Debit("bob", schema.CashSymbol, d("1000")))
	tx.Rollback()

	assert.True(t, l.Balance("alice", schema.CashSymbol).Available.Equal(d("100")))
	assert.True(t, l.Balance("bob", schema.CashSymbol).Available.IsZero())
}

func TestCommitAppliesEverything(t *testing.T) {
	l := New()
	fund(t, l, "alice", schema.CashSymbol, "100")

	tx := l.Begin(Key{"alice", schema.CashSymbol}, Key{"bob", schema.CashSymbol})
	require.NoError(t, tx.Debit("alice", schema.CashSymbol, d("40")))
	require.NoError(t, tx.Credit("bob", schema.CashSymbol, d("40")))
	deltas := tx.Deltas()
	tx.Commit()

	assert.True(t, l.Balance("alice", schema.CashSymbol).Available.Equal(d("60")))
	assert.True(t, l.Balance("bob", schema.CashSymbol).Available.Equal(d("40")))
	require.Len(t, deltas, 2)
	assert.Equal(t, "alice", deltas[0].Owner)
	assert.True(t, deltas[0].Amount.Equal(d("-40")))
	assert.True(t, deltas[1].Amount.Equal(d("40")))
}

func TestLockUnlock(t *testing.T) {
	l := New()
	fund(t, l, "alice", schema.CashSymbol, "50")

	tx := l.Begin(Key{"alice", schema.CashSymbol})
	require.NoError(t, tx.Lock("alice", schema.CashSymbol, d("30")))
	assert.True(t, errors.Is(tx.Lock("alice", schema.CashSymbol, d("30")), exception.ErrInsufficientBalance))
	require.NoError(t, tx.Unlock("alice", schema.CashSymbol, d("10")))
	assert.True(t, errors.Is(tx.Unlock("alice", schema.CashSymbol, d("21")), exception.ErrInsufficientLocked))
	assert.Empty(t, tx.Deltas())
	tx.Commit()

	b := l.Balance("alice", schema.CashSymbol)
	assert.True(t, b.Available.Equal(d("30")))
	assert.True(t, b.Locked.Equal(d("20")))
}

func TestIssuerMayGoNegative(t *testing.T) {
	l := New(WithIssuer(schema.PlatformPool))
	sym := schema.ShareSymbol("m1", 1)

	tx := l.Begin(Key{schema.PlatformPool, sym}, Key{"alice", sym})
	require.NoError(t, tx.Debit(schema.PlatformPool, sym, d("12.5")))
	require.NoError(t, tx.Credit("alice", sym, d("12.5")))
	tx.Commit()

	assert.True(t, l.Balance(schema.PlatformPool, sym).Available.Equal(d("-12.5")))
	assert.True(t, l.Totals()[sym].IsZero())
}

func TestUndeclaredKeyAndClosedTx(t *testing.T) {
	l := New()
	tx := l.Begin(Key{"alice", schema.CashSymbol})
	assert.True(t, errors.Is(tx.Credit("bob", schema.CashSymbol, d("1")), exception.ErrUndeclaredKey))
	assert.True(t, errors.Is(tx.Credit("alice", schema.CashSymbol, d("0")), exception.ErrNonPositiveAmount))
	tx.Commit()
	assert.True(t, errors.Is(tx.Credit("alice", schema.CashSymbol, d("1")), exception.ErrTxClosed))
}

func TestConcurrentTransfersConserveTotals(t *testing.T) {
	l := New()
	owners := []string{"a", "b", "c", "d"}
	for _, o := range owners {
		fund(t, l, o, schema.CashSymbol, "100")
	}

	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		from := owners[i%len(owners)]
		to := owners[(i*7+1)%len(owners)]
		if from == to {
			continue
		}
		wg.Add(1)
		go func(from, to string) {
			defer wg.Done()
			tx := l.Begin(Key{to, schema.CashSymbol}, Key{from, schema.CashSymbol})
			if err := tx.Debit(from, schema.CashSymbol, d("3.33")); err != nil {
				tx.Rollback()
				return
			}
			_ = tx.Credit(to, schema.CashSymbol, d("3.33"))
			tx.Commit()
		}(from, to)
	}
	wg.Wait()

	assert.True(t, l.Totals()[schema.CashSymbol].Equal(d("400")))
	for _, o := range owners {
		assert.False(t, l.Balance(o, schema.CashSymbol).Available.IsNegative(), "owner %s overdrawn", o)
	}
}

func TestSnapshotRestoreAndApplyDeltas(t *testing.T) {
	l := New()
	fund(t, l, "alice", schema.CashSymbol, "5")
	fund(t, l, "bob", schema.CashSymbol, "7")

	rows := l.Snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0].Owner)

	other := New()
	other.Restore(rows)
	other.ApplyDeltas([]schema.BalanceDelta{
		{Owner: "alice", Instrument: schema.CashSymbol, Amount: d("-2")},
		{Owner: "bob", Instrument: schema.CashSymbol, Amount: d("2")},
	})
	assert.True(t, other.Balance("alice", schema.CashSymbol).Available.Equal(d("3")))
	assert.True(t, other.Balance("bob", schema.CashSymbol).Available.Equal(d("9")))
}
