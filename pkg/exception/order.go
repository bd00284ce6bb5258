package exception

import "github.com/yanun0323/errors"

// Trade validation errors. These are returned synchronously to the caller
// and never leave partial state behind.
var (
	ErrOutOfBounds          = errors.New("order: amount out of bounds")
	ErrSlippageExceeded     = errors.New("order: slippage exceeded")
	ErrExposureLimitReached = errors.New("order: exposure limit reached")
	ErrInvalidOrder         = errors.New("order: invalid request")
	ErrUnsupportedSide      = errors.New("order: unsupported side")
	ErrUnsupportedKind      = errors.New("order: unsupported kind")
	ErrNoFill               = errors.New("order: nothing to fill")
)
