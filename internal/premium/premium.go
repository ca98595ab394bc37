package premium

import (
	"time"

	"github.com/shopspring/decimal"

	"commodity-premium-alerts/internal/convert"
	"commodity-premium-alerts/internal/market"
)

var hundred = decimal.NewFromInt(100)

// Premium is the domestic-vs-theoretical gap for one pair.
type Premium struct {
	Pair             string
	Name             string
	Domestic         string
	Foreign          string
	DomesticPrice    decimal.Decimal
	ForeignPrice     decimal.Decimal
	TheoreticalPrice decimal.Decimal
	FXRate           decimal.Decimal
	Rate             decimal.Decimal
}

// Ratio is a computed cross-asset ratio.
type Ratio struct {
	ID    string
	Name  string
	Value decimal.Decimal
	// Denominator is the symbol actually divided by, a fallback when the
	// configured one had no price.
	Denominator string
}

// Snapshot is the full set of metrics derived in one cycle.
type Snapshot struct {
	At       time.Time
	FXRate   decimal.Decimal
	FXSource string
	Prices   map[string]decimal.Decimal
	Premiums []Premium
	Ratios   []Ratio
}

// Premium looks up a pair's premium.
func (s Snapshot) Premium(pair string) (Premium, bool) {
	for _, p := range s.Premiums {
		if p.Pair == pair {
			return p, true
		}
	}
	return Premium{}, false
}

// Ratio looks up a ratio by id.
func (s Snapshot) Ratio(id string) (Ratio, bool) {
	for _, r := range s.Ratios {
		if r.ID == id {
			return r, true
		}
	}
	return Ratio{}, false
}

// Price returns the raw price used for symbol in this snapshot.
func (s Snapshot) Price(symbol string) (decimal.Decimal, bool) {
	p, ok := s.Prices[symbol]
	return p, ok
}

// PremiumRate is (domestic − theoretical) / theoretical × 100 rounded to four
// places. A zero theoretical price yields zero.
func PremiumRate(domestic, theoretical decimal.Decimal) decimal.Decimal {
	if theoretical.IsZero() {
		return decimal.Zero
	}
	return domestic.Sub(theoretical).Div(theoretical).Mul(hundred).Round(4)
}

// RatioValue divides and rounds to places; a zero denominator yields zero.
func RatioValue(numerator, denominator decimal.Decimal, places int32) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}
	return numerator.Div(denominator).Round(places)
}

// GoldSilverRatio is gold / silver rounded to two places.
func GoldSilverRatio(gold, silver decimal.Decimal) decimal.Decimal {
	return RatioValue(gold, silver, 2)
}

// CopperGoldRatio is copper / gold rounded to four places.
func CopperGoldRatio(copper, gold decimal.Decimal) decimal.Decimal {
	return RatioValue(copper, gold, 4)
}

// ChangePct is the percentage move from previous to current, rounded to two
// places. It reports false when previous is not positive.
func ChangePct(previous, current decimal.Decimal) (decimal.Decimal, bool) {
	if !previous.IsPositive() {
		return decimal.Zero, false
	}
	return current.Sub(previous).Div(previous).Mul(hundred).Round(2), true
}

// Calculator derives premiums and ratios from a price map.
type Calculator struct {
	converter *convert.Converter
	pairs     []market.PremiumPair
	ratios    []market.RatioDef
}

// NewCalculator builds a Calculator over the given registries.
func NewCalculator(converter *convert.Converter, pairs []market.PremiumPair, ratios []market.RatioDef) *Calculator {
	return &Calculator{converter: converter, pairs: pairs, ratios: ratios}
}

// Theoretical converts a foreign quote into domestic terms.
func (c *Calculator) Theoretical(foreignSymbol string, foreignPrice, fxRate decimal.Decimal) decimal.Decimal {
	return c.converter.Convert(foreignSymbol, foreignPrice, fxRate)
}

// Symbols lists every code the calculator may read.
func (c *Calculator) Symbols() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(code string) {
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	for _, p := range c.pairs {
		add(p.Domestic)
		add(p.Foreign)
	}
	for _, r := range c.ratios {
		add(r.Numerator)
		add(r.Denominator)
		for _, f := range r.Fallbacks {
			add(f.Symbol)
		}
	}
	return out
}

// Compute derives every metric whose inputs are present in prices. Metrics
// with missing or non-positive inputs are left out of the snapshot.
func (c *Calculator) Compute(prices map[string]decimal.Decimal, fxRate decimal.Decimal, at time.Time) Snapshot {
	snap := Snapshot{
		At:     at,
		FXRate: fxRate,
		Prices: prices,
	}

	for _, pair := range c.pairs {
		domestic, okD := positive(prices, pair.Domestic)
		foreign, okF := positive(prices, pair.Foreign)
		if !okD || !okF || !fxRate.IsPositive() {
			continue
		}
		theoretical := c.Theoretical(pair.Foreign, foreign, fxRate)
		if theoretical.IsZero() {
			continue
		}
		snap.Premiums = append(snap.Premiums, Premium{
			Pair:             pair.ID,
			Name:             pair.Name,
			Domestic:         pair.Domestic,
			Foreign:          pair.Foreign,
			DomesticPrice:    domestic,
			ForeignPrice:     foreign,
			TheoreticalPrice: theoretical.Round(2),
			FXRate:           fxRate,
			Rate:             PremiumRate(domestic, theoretical),
		})
	}

	for _, def := range c.ratios {
		num, okN := positive(prices, def.Numerator)
		den, symbol, okD := denominator(prices, def, fxRate)
		if !okN || !okD {
			continue
		}
		snap.Ratios = append(snap.Ratios, Ratio{
			ID:          def.ID,
			Name:        def.Name,
			Value:       RatioValue(num, den, def.Places),
			Denominator: symbol,
		})
	}

	return snap
}

// denominator resolves the configured denominator, then each fallback in order.
func denominator(prices map[string]decimal.Decimal, def market.RatioDef, fxRate decimal.Decimal) (decimal.Decimal, string, bool) {
	if p, ok := positive(prices, def.Denominator); ok {
		return p, def.Denominator, true
	}
	for _, f := range def.Fallbacks {
		p, ok := positive(prices, f.Symbol)
		if !ok {
			continue
		}
		if f.DivideByFX {
			if !fxRate.IsPositive() {
				continue
			}
			p = p.Div(fxRate)
		}
		return p, f.Symbol, true
	}
	return decimal.Zero, "", false
}

func positive(prices map[string]decimal.Decimal, symbol string) (decimal.Decimal, bool) {
	p, ok := prices[symbol]
	if !ok || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}
