package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"commodity-premium-alerts/internal/market"
)

// ErrNoProviders is returned when a fetcher has no provider to ask.
var ErrNoProviders = errors.New("no price providers configured")

const reasonUnsupported = "no provider supports symbol"

// FailureRecorder tracks consecutive all-failed batches per source.
type FailureRecorder interface {
	IncrFailure(ctx context.Context, source string) (int64, error)
	ResetFailure(ctx context.Context, source string) error
}

// SourceOutcome summarises one provider's part in a batch.
type SourceOutcome struct {
	Source    string
	Requested int
	Resolved  int
	// Failures is the consecutive-failure count after this batch.
	Failures int64
}

// Failed reports whether the provider was asked for something and produced nothing.
func (o SourceOutcome) Failed() bool { return o.Requested > 0 && o.Resolved == 0 }

// Batch is the result of one fetch cycle. Partial success is success.
type Batch struct {
	Quotes      []market.Quote
	Unavailable map[string]string
	Sources     []SourceOutcome
}

// Price returns the fetched quote for symbol.
func (b Batch) Price(symbol string) (market.Quote, bool) {
	for _, q := range b.Quotes {
		if q.Symbol == symbol {
			return q, true
		}
	}
	return market.Quote{}, false
}

// Fetcher walks an ordered provider chain (primary, backup, ...). A symbol
// resolved by an earlier provider is never requested from a later one.
type Fetcher struct {
	providers []Provider
	registry  *market.Registry
	failures  FailureRecorder
	backoff   Backoff
	logger    zerolog.Logger
	now       func() time.Time
}

// New builds a fetcher. failures may be nil to disable failure accounting.
func New(providers []Provider, registry *market.Registry, failures FailureRecorder, backoff Backoff, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		providers: providers,
		registry:  registry,
		failures:  failures,
		backoff:   backoff,
		logger:    logger.With().Str("component", "fetcher").Logger(),
		now:       time.Now,
	}
}

// Providers lists the chain in order.
func (f *Fetcher) Providers() []string {
	names := make([]string, 0, len(f.providers))
	for _, p := range f.providers {
		names = append(names, p.Name())
	}
	return names
}

// FetchBatch resolves as many of symbols as the chain allows.
func (f *Fetcher) FetchBatch(ctx context.Context, symbols []string) (Batch, error) {
	if len(f.providers) == 0 {
		return Batch{}, ErrNoProviders
	}

	symbols = dedupe(symbols)
	batch := Batch{Unavailable: make(map[string]string)}
	resolved := make(map[string]market.PriceResult, len(symbols))
	reasons := make(map[string]string)

	missing := symbols
	for _, p := range f.providers {
		if len(missing) == 0 || ctx.Err() != nil {
			break
		}

		ask := make([]string, 0, len(missing))
		for _, s := range missing {
			if p.Supports(s) {
				ask = append(ask, s)
			}
		}
		if len(ask) == 0 {
			continue
		}

		results := f.backoff.Fetch(ctx, p, ask)
		outcome := SourceOutcome{Source: p.Name(), Requested: len(ask)}
		for _, s := range ask {
			r := results[s]
			if r.OK() {
				resolved[s] = r
				outcome.Resolved++
				continue
			}
			reasons[s] = p.Name() + ": " + r.Reason
		}

		outcome.Failures = f.recordOutcome(ctx, outcome)
		batch.Sources = append(batch.Sources, outcome)

		log := f.logger.Debug()
		if outcome.Failed() {
			log = f.logger.Warn()
		}
		log.Str("source", outcome.Source).
			Int("requested", outcome.Requested).
			Int("resolved", outcome.Resolved).
			Int64("failures", outcome.Failures).
			Msg("provider batch finished")

		next := make([]string, 0, len(missing))
		for _, s := range missing {
			if _, ok := resolved[s]; !ok {
				next = append(next, s)
			}
		}
		missing = next
	}

	now := f.now().UTC()
	for _, s := range symbols {
		r, ok := resolved[s]
		if !ok {
			reason := reasons[s]
			if reason == "" {
				reason = reasonUnsupported
				if err := ctx.Err(); err != nil {
					reason = err.Error()
				}
			}
			batch.Unavailable[s] = reason
			continue
		}
		batch.Quotes = append(batch.Quotes, f.quote(r, now))
	}

	return batch, nil
}

// Fetch resolves a single symbol through the chain.
func (f *Fetcher) Fetch(ctx context.Context, symbol string) market.PriceResult {
	batch, err := f.FetchBatch(ctx, []string{symbol})
	if err != nil {
		return market.Unavailable(symbol, "", err.Error())
	}
	if q, ok := batch.Price(symbol); ok {
		return market.Available(symbol, q.Source, q.Price)
	}
	return market.Unavailable(symbol, "", batch.Unavailable[symbol])
}

func (f *Fetcher) quote(r market.PriceResult, at time.Time) market.Quote {
	q := market.Quote{
		Symbol:    r.Symbol,
		Price:     r.Price,
		Source:    r.Source,
		Timestamp: at,
	}
	if f.registry != nil {
		if sym, ok := f.registry.Lookup(r.Symbol); ok {
			q.Unit = sym.Unit
			q.Market = sym.Market
		}
	}
	return q
}

func (f *Fetcher) recordOutcome(ctx context.Context, o SourceOutcome) int64 {
	return RecordOutcome(ctx, f.failures, o, f.logger)
}

// RecordOutcome resets the source's counter when it resolved anything and
// bumps it otherwise, returning the count after the update. A nil recorder
// counts nothing.
func RecordOutcome(ctx context.Context, failures FailureRecorder, o SourceOutcome, logger zerolog.Logger) int64 {
	if failures == nil {
		return 0
	}
	if o.Resolved > 0 {
		if err := failures.ResetFailure(ctx, o.Source); err != nil {
			logger.Error().Err(err).Str("source", o.Source).Msg("reset failure counter")
		}
		return 0
	}
	n, err := failures.IncrFailure(ctx, o.Source)
	if err != nil {
		logger.Error().Err(err).Str("source", o.Source).Msg("increment failure counter")
	}
	return n
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
