package pricing

import (
	"fmt"
	"math"
	"strings"
)

// ClampMode decides what happens to an external probability outside the band.
type ClampMode uint16

const (
	// ClampFlatten returns a flat q (all zeros). This is the numerical floor:
	// a feed that reports near-certainty resets the market to even odds
	// instead of pushing q towards ±infinity.
	ClampFlatten ClampMode = iota
	// ClampPin pins the probability to the nearest band edge.
	ClampPin
	// ClampPause reports the reading as unusable so the caller can halt the market.
	ClampPause
)

func (m ClampMode) String() string {
	switch m {
	case ClampFlatten:
		return "flatten"
	case ClampPin:
		return "clamp"
	case ClampPause:
		return "pause"
	default:
		return "unknown"
	}
}

// ParseClampMode parses the config representation of a clamp mode.
func ParseClampMode(s string) (ClampMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "flatten":
		return ClampFlatten, nil
	case "clamp", "pin":
		return ClampPin, nil
	case "pause":
		return ClampPause, nil
	default:
		return ClampFlatten, fmt.Errorf("unknown clamp mode: %s", s)
	}
}

// ClampPolicy is the band of external probabilities accepted as is.
type ClampPolicy struct {
	Floor float64
	Ceil  float64
	Mode  ClampMode
}

// DefaultClampPolicy accepts probabilities strictly inside (0.01, 0.99).
func DefaultClampPolicy() ClampPolicy {
	return ClampPolicy{Floor: 0.01, Ceil: 0.99, Mode: ClampFlatten}
}

// Validate checks the band is a usable sub-interval of (0, 1).
func (c ClampPolicy) Validate() error {
	if !(c.Floor > 0) || !(c.Ceil < 1) || c.Floor >= c.Ceil {
		return fmt.Errorf("clamp band must satisfy 0 < floor < ceil < 1, got [%v, %v]", c.Floor, c.Ceil)
	}
	if c.Mode > ClampPause {
		return fmt.Errorf("unknown clamp mode: %d", c.Mode)
	}
	return nil
}

func (c ClampPolicy) inBand(p float64) bool {
	return !math.IsNaN(p) && p > c.Floor && p < c.Ceil
}

func (c ClampPolicy) pin(p float64) float64 {
	if math.IsNaN(p) {
		return 0.5
	}
	return math.Min(math.Max(p, c.Floor), c.Ceil)
}

// ProbabilityToQ converts an external YES probability of a binary market
// into a q vector: qYes = b*ln(p/(1-p)), qNo = 0. ok is false only in
// pause mode when p is outside the band.
func ProbabilityToQ(p, b float64, policy ClampPolicy) (qYes, qNo float64, ok bool) {
	if !policy.inBand(p) {
		switch policy.Mode {
		case ClampPause:
			return 0, 0, false
		case ClampPin:
			p = policy.pin(p)
		default:
			return 0, 0, true
		}
	}
	return b * math.Log(p/(1-p)), 0, true
}

// ProbabilitiesToQ converts a full probability vector into q with
// q_i = b*ln(p_i / Σp). The same band policy applies to every entry.
func ProbabilitiesToQ(ps []float64, b float64, policy ClampPolicy) ([]float64, bool) {
	q := make([]float64, len(ps))
	if len(ps) == 2 {
		// Binary markets keep the YES/NO convention of ProbabilityToQ.
		yes, no, ok := ProbabilityToQ(normalizedFirst(ps), b, policy)
		q[0], q[1] = yes, no
		return q, ok
	}
	adjusted := make([]float64, len(ps))
	for i, p := range ps {
		if !policy.inBand(p) {
			switch policy.Mode {
			case ClampPause:
				return nil, false
			case ClampPin:
				p = policy.pin(p)
			default:
				return q, true
			}
		}
		adjusted[i] = p
	}
	var sum float64
	for _, p := range adjusted {
		sum += p
	}
	if !(sum > 0) {
		return q, true
	}
	for i, p := range adjusted {
		q[i] = b * math.Log(p/sum)
	}
	return q, true
}

func normalizedFirst(ps []float64) float64 {
	sum := ps[0] + ps[1]
	if !(sum > 0) {
		return math.NaN()
	}
	return ps[0] / sum
}
