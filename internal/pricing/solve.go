package pricing

import "math"

const (
	maxBisectIterations = 200
	maxBracketDoublings = 64
	bisectTolerance     = 1e-9
)

// BinaryShares solves CostOfTrade(q, b, i, delta) == budget in closed form.
// It is exact for binary markets:
//
//	delta = b * ln(1 + (exp(budget/b) - 1) / p_i)
func BinaryShares(q []float64, b float64, i int, budget float64) float64 {
	if budget <= 0 || i < 0 || i >= len(q) {
		return 0
	}
	p := Price(q, b, i)
	x := budget / b
	if x < 700 {
		return b * math.Log1p(math.Expm1(x)/p)
	}
	// exp overflow: ln(1 + (e^x - 1)/p) ≈ x - ln(p) for large x.
	return b * (x - math.Log(p))
}

// SolveShares finds delta >= 0 with CostOfTrade(q, b, i, delta) == budget by
// bisection. The result never costs more than budget.
func SolveShares(q []float64, b float64, i int, budget float64) float64 {
	if budget <= 0 || i < 0 || i >= len(q) {
		return 0
	}
	// The average price of a buy is at least the marginal price, so
	// budget / p_i bounds delta from above; double it for headroom.
	hi := 2 * budget / Price(q, b, i)
	for n := 0; n < maxBracketDoublings && CostOfTrade(q, b, i, hi) < budget; n++ {
		hi *= 2
	}
	return bisect(0, hi, func(d float64) bool {
		return CostOfTrade(q, b, i, d) <= budget
	})
}

// MaxSharesWithin returns the largest delta in [0, max] for which ok holds,
// assuming ok is monotone (true below some threshold, false above it).
func MaxSharesWithin(max float64, ok func(delta float64) bool) float64 {
	if max <= 0 {
		return 0
	}
	if ok(max) {
		return max
	}
	return bisect(0, max, ok)
}

// bisect narrows [lo, hi] where ok(lo) is true and ok(hi) is false and
// returns the last lo.
func bisect(lo, hi float64, ok func(float64) bool) float64 {
	for n := 0; n < maxBisectIterations; n++ {
		if hi-lo <= bisectTolerance*math.Max(1, hi) {
			break
		}
		mid := lo + (hi-lo)/2
		if ok(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}
