package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"commodity-premium-alerts/internal/convert"
)

// Symbol is a registry entry describing an instrument.
type Symbol struct {
	Code       string       `mapstructure:"code"`
	Name       string       `mapstructure:"name"`
	Market     Market       `mapstructure:"market"`
	Unit       string       `mapstructure:"unit"`
	Conversion convert.Kind `mapstructure:"conversion"`
	BushelTons float64      `mapstructure:"bushel_tons"`
}

// Strategy returns the conversion strategy attached to the symbol.
func (s Symbol) Strategy() convert.Strategy {
	kind := s.Conversion
	if kind == "" {
		kind = convert.Identity
	}
	return convert.Strategy{Kind: kind, BushelTons: decimal.NewFromFloat(s.BushelTons)}
}

// DisplayName falls back to the code when no name is configured.
func (s Symbol) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Code
}

// PremiumPair links a domestic contract with its foreign benchmark.
type PremiumPair struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	Domestic string `mapstructure:"domestic"`
	Foreign  string `mapstructure:"foreign"`
}

// RatioDef declares a dimensionless cross-asset ratio.
type RatioDef struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Numerator   string `mapstructure:"numerator"`
	Denominator string `mapstructure:"denominator"`
	Places      int32  `mapstructure:"places"`
	// Fallbacks are tried in order when Denominator has no price.
	Fallbacks []RatioFallback `mapstructure:"fallbacks"`
}

// RatioFallback substitutes for a missing denominator.
type RatioFallback struct {
	Symbol string `mapstructure:"symbol"`
	// DivideByFX converts a CNY quote into USD before dividing.
	DivideByFX bool `mapstructure:"divide_by_fx"`
}

// Registry indexes symbols by code while preserving configuration order.
type Registry struct {
	order   []string
	symbols map[string]Symbol
}

// NewRegistry validates and indexes the given symbols.
func NewRegistry(symbols []Symbol) (*Registry, error) {
	r := &Registry{symbols: make(map[string]Symbol, len(symbols))}
	for _, s := range symbols {
		code := strings.TrimSpace(s.Code)
		if code == "" {
			return nil, fmt.Errorf("symbol code must not be empty")
		}
		if _, dup := r.symbols[code]; dup {
			return nil, fmt.Errorf("duplicate symbol %q", code)
		}
		if err := s.Strategy().Validate(); err != nil {
			return nil, fmt.Errorf("symbol %s: %w", code, err)
		}
		s.Code = code
		r.symbols[code] = s
		r.order = append(r.order, code)
	}
	return r, nil
}

// Lookup returns the registry entry for code.
func (r *Registry) Lookup(code string) (Symbol, bool) {
	s, ok := r.symbols[code]
	return s, ok
}

// Codes lists every registered code in configuration order.
func (r *Registry) Codes() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// InScope lists the codes covered by a trigger scope.
func (r *Registry) InScope(scope Scope) []string {
	out := make([]string, 0, len(r.order))
	for _, code := range r.order {
		domestic := r.symbols[code].Market.Domestic()
		switch scope {
		case ScopeDomestic:
			if !domestic {
				continue
			}
		case ScopeInternational:
			if domestic {
				continue
			}
		}
		out = append(out, code)
	}
	return out
}

// Strategies exposes the conversion table for convert.New.
func (r *Registry) Strategies() map[string]convert.Strategy {
	out := make(map[string]convert.Strategy, len(r.symbols))
	for code, s := range r.symbols {
		out[code] = s.Strategy()
	}
	return out
}

// ValidatePairs checks that every pair and ratio references registered symbols.
func (r *Registry) ValidatePairs(pairs []PremiumPair, ratios []RatioDef) error {
	for _, p := range pairs {
		if _, ok := r.symbols[p.Domestic]; !ok {
			return fmt.Errorf("premium pair %s: unknown domestic symbol %q", p.ID, p.Domestic)
		}
		if _, ok := r.symbols[p.Foreign]; !ok {
			return fmt.Errorf("premium pair %s: unknown foreign symbol %q", p.ID, p.Foreign)
		}
	}
	for _, d := range ratios {
		if _, ok := r.symbols[d.Numerator]; !ok {
			return fmt.Errorf("ratio %s: unknown numerator %q", d.ID, d.Numerator)
		}
		if _, ok := r.symbols[d.Denominator]; !ok {
			return fmt.Errorf("ratio %s: unknown denominator %q", d.ID, d.Denominator)
		}
		for _, f := range d.Fallbacks {
			if _, ok := r.symbols[f.Symbol]; !ok {
				return fmt.Errorf("ratio %s: unknown fallback %q", d.ID, f.Symbol)
			}
		}
	}
	return nil
}
