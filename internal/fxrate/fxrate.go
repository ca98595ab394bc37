// Package fxrate supplies the USD/CNY conversion rate used for theoretical
// prices: a persisted sample while it is fresh, a live fetch otherwise, and a
// fixed fallback when every source fails.
package fxrate

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"commodity-premium-alerts/internal/fetcher"
	"commodity-premium-alerts/internal/market"
)

const (
	DefaultPair = "USD/CNY"
	DefaultTTL  = time.Hour
)

// DefaultRate is returned when no source can produce a rate.
var DefaultRate = decimal.RequireFromString("7.25")

const invertPlaces = 6

// Store is the persistence the provider needs.
type Store interface {
	UpsertFXSample(ctx context.Context, sample market.FXSample) error
	LatestFXSample(ctx context.Context, pair string) (market.FXSample, bool, error)
}

// Options tune the provider.
type Options struct {
	Pair        string
	TTL         time.Duration
	DefaultRate decimal.Decimal
	// InvertSources quote the inverse pair (e.g. CNY/USD) and are inverted.
	InvertSources []string
	// Failures counts consecutive failed attempts per source. Optional.
	Failures fetcher.FailureRecorder
}

// Rate is a resolved exchange rate.
type Rate struct {
	Value  decimal.Decimal
	Source string
	At     time.Time
	// Fallback marks the configured default, used when every source failed.
	Fallback bool
	// Cached marks a persisted sample still inside the TTL.
	Cached bool
	// Sources lists the live attempts made for this rate; empty when cached.
	Sources []fetcher.SourceOutcome
}

// Provider resolves the current exchange rate.
type Provider struct {
	store     Store
	providers []fetcher.Provider
	backoff   fetcher.Backoff
	opts      Options
	invert    map[string]bool
	logger    zerolog.Logger
	group     singleflight.Group
	now       func() time.Time
}

// New builds a provider. store may be nil, in which case every call goes live.
func New(store Store, providers []fetcher.Provider, backoff fetcher.Backoff, opts Options, logger zerolog.Logger) *Provider {
	if opts.Pair == "" {
		opts.Pair = DefaultPair
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if !opts.DefaultRate.IsPositive() {
		opts.DefaultRate = DefaultRate
	}
	invert := make(map[string]bool, len(opts.InvertSources))
	for _, s := range opts.InvertSources {
		invert[s] = true
	}
	return &Provider{
		store:     store,
		providers: providers,
		backoff:   backoff,
		opts:      opts,
		invert:    invert,
		logger:    logger.With().Str("component", "fxrate").Str("pair", opts.Pair).Logger(),
		now:       time.Now,
	}
}

// Pair returns the pair this provider resolves.
func (p *Provider) Pair() string { return p.opts.Pair }

// Latest returns the persisted sample while it is younger than the TTL and
// otherwise refreshes. It never fails: the default rate is the last resort.
func (p *Provider) Latest(ctx context.Context) Rate {
	if p.store != nil {
		sample, ok, err := p.store.LatestFXSample(ctx, p.opts.Pair)
		switch {
		case err != nil:
			p.logger.Warn().Err(err).Msg("read cached fx sample")
		case ok && p.now().Sub(sample.Timestamp) < p.opts.TTL:
			return Rate{Value: sample.Rate, Source: sample.Source, At: sample.Timestamp, Cached: true}
		}
	}
	return p.Refresh(ctx)
}

// Refresh fetches live, persists the sample and returns it. Concurrent
// callers share one fetch.
func (p *Provider) Refresh(ctx context.Context) Rate {
	v, _, _ := p.group.Do(p.opts.Pair, func() (interface{}, error) {
		return p.refresh(ctx), nil
	})
	return v.(Rate)
}

func (p *Provider) refresh(ctx context.Context) Rate {
	var outcomes []fetcher.SourceOutcome
	for _, src := range p.providers {
		if !src.Supports(p.opts.Pair) {
			continue
		}
		result := p.backoff.Fetch(ctx, src, []string{p.opts.Pair})[p.opts.Pair]
		outcome := fetcher.SourceOutcome{Source: src.Name(), Requested: 1}
		if result.OK() {
			outcome.Resolved = 1
		}
		outcome.Failures = fetcher.RecordOutcome(ctx, p.opts.Failures, outcome, p.logger)
		outcomes = append(outcomes, outcome)
		if !result.OK() {
			p.logger.Warn().Str("source", src.Name()).Str("reason", result.Reason).Int64("failures", outcome.Failures).Msg("fx source failed")
			continue
		}

		value := result.Price
		if p.invert[src.Name()] {
			value = decimal.NewFromInt(1).DivRound(value, invertPlaces)
		}
		rate := Rate{Value: value, Source: src.Name(), At: p.now().UTC().Truncate(time.Second), Sources: outcomes}

		if p.store != nil {
			sample := market.FXSample{Pair: p.opts.Pair, Rate: rate.Value, Source: rate.Source, Timestamp: rate.At}
			if err := p.store.UpsertFXSample(ctx, sample); err != nil {
				p.logger.Error().Err(err).Msg("persist fx sample")
			}
		}
		p.logger.Info().Str("source", rate.Source).Str("rate", rate.Value.String()).Msg("fx rate refreshed")
		return rate
	}

	p.logger.Warn().Str("rate", p.opts.DefaultRate.String()).Msg("all fx sources failed, using default rate")
	return Rate{Value: p.opts.DefaultRate, Source: "default", At: p.now().UTC(), Fallback: true, Sources: outcomes}
}
