package trade

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// LimitPolicy decides what happens to a limit order whose full size would
// average worse than its limit price.
type LimitPolicy uint16

const (
	LimitPolicyPartial LimitPolicy = iota
	LimitPolicyReject
)

func (p LimitPolicy) String() string {
	switch p {
	case LimitPolicyReject:
		return "reject"
	default:
		return "partial"
	}
}

// ParseLimitPolicy maps a config string. Empty means partial.
func ParseLimitPolicy(s string) (LimitPolicy, error) {
	switch s {
	case "", "partial":
		return LimitPolicyPartial, nil
	case "reject":
		return LimitPolicyReject, nil
	default:
		return LimitPolicyPartial, errors.Errorf("unknown limit policy %q", s)
	}
}

// Config holds the executor's trading parameters.
type Config struct {
	MinTrade       decimal.Decimal
	MaxTrade       decimal.Decimal
	MarkupRate     decimal.Decimal
	MaxSlippageBps int64
	LimitPolicy    LimitPolicy
	// ShareDecimals and CashDecimals are the rounding precisions of share
	// tokens and cash. Amounts are always rounded in the platform's favor.
	ShareDecimals int32
	CashDecimals  int32
	// MarginalShares is the size used to read the implied price of a limit order.
	MarginalShares float64
}

func (c Config) withDefaults() Config {
	if c.ShareDecimals <= 0 {
		c.ShareDecimals = 6
	}
	if c.CashDecimals <= 0 {
		c.CashDecimals = 6
	}
	if c.MarginalShares <= 0 {
		c.MarginalShares = 1e-6
	}
	return c
}

// Validate checks the static trading parameters.
func (c Config) Validate() error {
	if c.MarkupRate.IsNegative() || c.MarkupRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.Errorf("invalid trade config: markup rate %s must be in [0, 1)", c.MarkupRate)
	}
	if c.MinTrade.IsNegative() {
		return errors.New("invalid trade config: min trade must be >= 0")
	}
	if c.MaxTrade.IsPositive() && c.MaxTrade.LessThan(c.MinTrade) {
		return errors.New("invalid trade config: max trade must be >= min trade")
	}
	if c.MaxSlippageBps < 0 {
		return errors.New("invalid trade config: max slippage must be >= 0")
	}
	return nil
}
