package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the venue family a symbol trades on.
type Market string

const (
	MarketCN   Market = "CN"
	MarketINTL Market = "INTL"
	MarketLME  Market = "LME"
)

// Domestic reports whether the market quotes in domestic currency.
func (m Market) Domestic() bool { return m == MarketCN }

// Scope selects which subset of the registry a pipeline trigger covers.
type Scope string

const (
	ScopeDomestic      Scope = "domestic"
	ScopeInternational Scope = "international"
	ScopeAll           Scope = "all"
)

// Quote is a single observed price for a symbol.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	// PriceCNY is the price in domestic currency and unit; zero when no
	// exchange rate was known at fetch time.
	PriceCNY  decimal.Decimal
	Unit      string
	Market    Market
	Source    string
	Timestamp time.Time
}

// DailyBar is one trading day of a symbol. Day is midnight UTC of the date.
type DailyBar struct {
	Symbol string
	Day    time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
	Source string
}

// DayOf truncates t to its calendar date in loc, expressed as midnight UTC.
func DayOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FXSample is an observed exchange rate.
type FXSample struct {
	Pair      string
	Rate      decimal.Decimal
	Source    string
	Timestamp time.Time
}

// PriceResult is the outcome of asking a provider for one symbol: either an
// available price or the reason it could not be produced.
type PriceResult struct {
	Symbol string
	Source string
	Price  decimal.Decimal
	Reason string
	ok     bool
}

// Available wraps a successfully fetched price.
func Available(symbol, source string, price decimal.Decimal) PriceResult {
	return PriceResult{Symbol: symbol, Source: source, Price: price, ok: true}
}

// Unavailable records why a symbol could not be priced.
func Unavailable(symbol, source, reason string) PriceResult {
	return PriceResult{Symbol: symbol, Source: source, Reason: reason}
}

// OK reports whether the result carries a price.
func (r PriceResult) OK() bool { return r.ok }
