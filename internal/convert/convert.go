package convert

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind names a unit/currency conversion strategy.
type Kind string

const (
	// Identity leaves the price untouched; the symbol already quotes in domestic terms.
	Identity Kind = "identity"
	// ScaleByRate converts currency only: price × rate.
	ScaleByRate Kind = "scale_by_rate"
	// OunceToGram converts a per-troy-ounce quote into a per-gram domestic price.
	OunceToGram Kind = "oz_to_gram"
	// OunceToKilogram converts a per-troy-ounce quote into a per-kilogram domestic price.
	OunceToKilogram Kind = "oz_to_kg"
	// BushelToTon converts a per-bushel quote into a per-metric-ton domestic price.
	BushelToTon Kind = "bushel_to_ton"
)

// GramsPerTroyOunce is the mass of one troy ounce in grams.
var GramsPerTroyOunce = decimal.RequireFromString("31.1035")

var thousand = decimal.NewFromInt(1000)

// Strategy is a conversion variant selected by Kind. BushelTons is only read
// by BushelToTon and holds the commodity's bushel mass in metric tons.
type Strategy struct {
	Kind       Kind
	BushelTons decimal.Decimal
}

// Validate rejects unknown kinds and bushel strategies without a positive mass.
func (s Strategy) Validate() error {
	switch s.Kind {
	case Identity, ScaleByRate, OunceToGram, OunceToKilogram:
		return nil
	case BushelToTon:
		if !s.BushelTons.IsPositive() {
			return fmt.Errorf("bushel_to_ton requires a positive bushel mass, got %s", s.BushelTons)
		}
		return nil
	case "":
		return nil
	default:
		return fmt.Errorf("unknown conversion %q", s.Kind)
	}
}

// Apply converts a foreign price into domestic currency and unit.
func (s Strategy) Apply(price, rate decimal.Decimal) decimal.Decimal {
	switch s.Kind {
	case ScaleByRate:
		return price.Mul(rate)
	case OunceToGram:
		return price.Mul(rate).Div(GramsPerTroyOunce)
	case OunceToKilogram:
		return price.Mul(rate).Div(GramsPerTroyOunce).Mul(thousand)
	case BushelToTon:
		if s.BushelTons.IsZero() {
			return price
		}
		return price.Mul(rate).Div(s.BushelTons)
	default:
		return price
	}
}

// Invert maps a domestic price back into the foreign quote convention.
// Rate must be non-zero for every kind except Identity.
func (s Strategy) Invert(domestic, rate decimal.Decimal) decimal.Decimal {
	if s.Kind != Identity && s.Kind != "" && rate.IsZero() {
		return decimal.Zero
	}
	switch s.Kind {
	case ScaleByRate:
		return domestic.Div(rate)
	case OunceToGram:
		return domestic.Mul(GramsPerTroyOunce).Div(rate)
	case OunceToKilogram:
		return domestic.Mul(GramsPerTroyOunce).Div(rate.Mul(thousand))
	case BushelToTon:
		if s.BushelTons.IsZero() {
			return domestic
		}
		return domestic.Mul(s.BushelTons).Div(rate)
	default:
		return domestic
	}
}

// Converter resolves the strategy registered for each symbol.
type Converter struct {
	strategies map[string]Strategy
}

// New builds a Converter. Symbols missing from the map pass through unchanged.
func New(strategies map[string]Strategy) *Converter {
	copied := make(map[string]Strategy, len(strategies))
	for symbol, s := range strategies {
		copied[symbol] = s
	}
	return &Converter{strategies: copied}
}

// Strategy returns the strategy for symbol, defaulting to Identity.
func (c *Converter) Strategy(symbol string) Strategy {
	if c == nil {
		return Strategy{Kind: Identity}
	}
	if s, ok := c.strategies[symbol]; ok {
		return s
	}
	return Strategy{Kind: Identity}
}

// Convert expresses a raw quote for symbol in domestic currency/unit terms.
func (c *Converter) Convert(symbol string, price, rate decimal.Decimal) decimal.Decimal {
	return c.Strategy(symbol).Apply(price, rate)
}
