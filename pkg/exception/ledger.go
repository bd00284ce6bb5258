package exception

import "github.com/yanun0323/errors"

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInsufficientShares  = errors.New("ledger: insufficient shares")
	ErrInsufficientLocked  = errors.New("ledger: insufficient locked amount")
	ErrNonPositiveAmount   = errors.New("ledger: amount must be positive")
	ErrUndeclaredKey       = errors.New("ledger: key not declared in transaction")
	ErrTxClosed            = errors.New("ledger: transaction already closed")
)
