package schema

import (
	"strconv"
	"strings"
)

// MarketType describes how outcomes of a market relate to each other.
type MarketType uint16

const (
	MarketTypeUnknown MarketType = iota
	MarketTypeBinary
	MarketTypeMultiple
	MarketTypeGroupedBinary
)

func (t MarketType) String() string {
	switch t {
	case MarketTypeBinary:
		return "binary"
	case MarketTypeMultiple:
		return "multiple"
	case MarketTypeGroupedBinary:
		return "grouped_binary"
	default:
		return "unknown"
	}
}

// IsBinary reports whether the market has exactly a YES and a NO outcome.
func (t MarketType) IsBinary() bool {
	return t == MarketTypeBinary || t == MarketTypeGroupedBinary
}

// ParseMarketType parses the config representation of a market type.
func ParseMarketType(s string) MarketType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "binary":
		return MarketTypeBinary
	case "multiple":
		return MarketTypeMultiple
	case "grouped_binary", "grouped-binary":
		return MarketTypeGroupedBinary
	default:
		return MarketTypeUnknown
	}
}

// MarketStatus is the lifecycle state of a market.
type MarketStatus uint16

const (
	MarketStatusUnknown MarketStatus = iota
	MarketStatusActive
	MarketStatusClosed
	MarketStatusResolved
)

func (s MarketStatus) String() string {
	switch s {
	case MarketStatusActive:
		return "active"
	case MarketStatusClosed:
		return "closed"
	case MarketStatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ParseMarketStatus parses the stored representation of a market status.
func ParseMarketStatus(s string) MarketStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return MarketStatusActive
	case "closed":
		return MarketStatusClosed
	case "resolved":
		return MarketStatusResolved
	default:
		return MarketStatusUnknown
	}
}

// Binary outcome indexes.
const (
	OutcomeYes = 0
	OutcomeNo  = 1
)

// Outcome is one tradable result of a market.
type Outcome struct {
	Index           int     `json:"index"`
	Name            string  `json:"name"`
	Probability     float64 `json:"probability"`
	VenueInstrument string  `json:"venueInstrument,omitempty"`
}

// Market is the AMM state of a single market. B never changes after creation.
type Market struct {
	ID       string       `json:"id"`
	GroupID  string       `json:"groupId,omitempty"`
	Type     MarketType   `json:"type"`
	B        float64      `json:"b"`
	Q        []float64    `json:"q"`
	Status   MarketStatus `json:"status"`
	Outcomes []Outcome    `json:"outcomes"`
	Winner   int          `json:"winner"`
}

// QYes is the outstanding YES shares of a binary market.
func (m *Market) QYes() float64 {
	if len(m.Q) < 2 {
		return 0
	}
	return m.Q[OutcomeYes]
}

// QNo is the outstanding NO shares of a binary market.
func (m *Market) QNo() float64 {
	if len(m.Q) < 2 {
		return 0
	}
	return m.Q[OutcomeNo]
}

// Probabilities returns the cached outcome probabilities.
func (m *Market) Probabilities() []float64 {
	out := make([]float64, len(m.Outcomes))
	for i := range m.Outcomes {
		out[i] = m.Outcomes[i].Probability
	}
	return out
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() Market {
	c := *m
	c.Q = append([]float64(nil), m.Q...)
	c.Outcomes = append([]Outcome(nil), m.Outcomes...)
	return c
}

// CashSymbol is the settlement stablecoin instrument.
const CashSymbol = "USDC"

// Platform accounts.
const (
	// PlatformPool is the AMM counterparty. It mints and burns share tokens.
	PlatformPool = "platform:pool"
	// PlatformRevenue receives markup.
	PlatformRevenue = "platform:revenue"
)

// ShareSymbol is the share-token instrument for one outcome of a market.
func ShareSymbol(marketID string, outcome int) string {
	return marketID + ":" + strconv.Itoa(outcome)
}

// ParseShareSymbol splits a share-token symbol back into market and outcome.
func ParseShareSymbol(symbol string) (string, int, bool) {
	idx := strings.LastIndexByte(symbol, ':')
	if idx <= 0 || idx == len(symbol)-1 {
		return "", 0, false
	}
	outcome, err := strconv.Atoi(symbol[idx+1:])
	if err != nil || outcome < 0 {
		return "", 0, false
	}
	return symbol[:idx], outcome, true
}

// IsCash reports whether the instrument is the cash symbol.
func IsCash(symbol string) bool {
	return symbol == CashSymbol
}
