// Package pricing implements the logarithmic market scoring rule.
//
// All functions are pure. Inputs outside the numeric domain are clamped
// rather than reported, so callers never see ErrNumericDomain.
package pricing

import (
	"math"

	"predmkt/pkg/exception"
)

// priceEpsilon keeps every marginal price strictly inside (0, 1)
// even when exp underflows for extreme q.
const priceEpsilon = 1e-12

// ValidateLiquidity checks the liquidity parameter of a market.
func ValidateLiquidity(b float64) error {
	if !(b > 0) || math.IsInf(b, 0) {
		return exception.ErrInvalidLiquidity
	}
	return nil
}

// logSumExp returns ln(Σ exp(q_i/b)) along with the shift m = max(q_i/b)
// and the shifted sum s = Σ exp(q_i/b - m).
func logSumExp(q []float64, b float64) (lse, m, s float64) {
	if len(q) == 0 {
		return math.Inf(-1), 0, 0
	}
	m = math.Inf(-1)
	for _, v := range q {
		if x := v / b; x > m {
			m = x
		}
	}
	for _, v := range q {
		s += math.Exp(v/b - m)
	}
	return m + math.Log(s), m, s
}

// Cost is C(q) = b * ln(Σ exp(q_i / b)).
func Cost(q []float64, b float64) float64 {
	lse, _, _ := logSumExp(q, b)
	return b * lse
}

// Price is the marginal price of outcome i, strictly inside (0, 1).
func Price(q []float64, b float64, i int) float64 {
	if i < 0 || i >= len(q) {
		return 0
	}
	_, m, s := logSumExp(q, b)
	return clampPrice(math.Exp(q[i]/b-m) / s)
}

// Prices returns the marginal price of every outcome. They sum to 1.
func Prices(q []float64, b float64) []float64 {
	out := make([]float64, len(q))
	if len(q) == 0 {
		return out
	}
	_, m, s := logSumExp(q, b)
	for i, v := range q {
		out[i] = clampPrice(math.Exp(v/b-m) / s)
	}
	return out
}

// CostOfTrade is C(q + delta*e_i) - C(q): the USD cost of buying delta
// shares of outcome i, or the negative proceeds when delta < 0.
func CostOfTrade(q []float64, b float64, i int, delta float64) float64 {
	if i < 0 || i >= len(q) || delta == 0 {
		return 0
	}
	// C(q') - C(q) = b * ln(1 + p_i * (exp(delta/b) - 1)).
	x := delta / b
	if x < 700 {
		p := Price(q, b, i)
		return b * math.Log1p(p*math.Expm1(x))
	}
	moved := append([]float64(nil), q...)
	moved[i] += delta
	return Cost(moved, b) - Cost(q, b)
}

// AveragePrice is the cost per share of trading delta shares of outcome i.
func AveragePrice(q []float64, b float64, i int, delta float64) float64 {
	if delta == 0 {
		return Price(q, b, i)
	}
	return CostOfTrade(q, b, i, delta) / delta
}

func clampPrice(p float64) float64 {
	if math.IsNaN(p) {
		return 0.5
	}
	if p < priceEpsilon {
		return priceEpsilon
	}
	if p > 1-priceEpsilon {
		return 1 - priceEpsilon
	}
	return p
}
