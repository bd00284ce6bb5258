package exception

import "github.com/yanun0323/errors"

var (
	ErrMarketNotFound   = errors.New("market: not found")
	ErrMarketExists     = errors.New("market: already exists")
	ErrMarketNotActive  = errors.New("market: not active")
	ErrMarketHalted     = errors.New("market: halted by price sync")
	ErrInvalidLiquidity = errors.New("market: liquidity parameter must be > 0")
	ErrInvalidOutcome   = errors.New("market: invalid outcome")
	ErrNumericDomain    = errors.New("pricing: input outside numeric domain")
)
