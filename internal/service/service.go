package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"commodity-premium-alerts/internal/alerting"
	"commodity-premium-alerts/internal/config"
	"commodity-premium-alerts/internal/fetcher"
	"commodity-premium-alerts/internal/fxrate"
	"commodity-premium-alerts/internal/market"
	"commodity-premium-alerts/internal/premium"
	"commodity-premium-alerts/internal/storage"
)

// QuoteFetcher resolves prices through the provider chain.
type QuoteFetcher interface {
	FetchBatch(ctx context.Context, symbols []string) (fetcher.Batch, error)
	Providers() []string
}

// RateProvider resolves the FX rate.
type RateProvider interface {
	Pair() string
	Latest(ctx context.Context) fxrate.Rate
	Refresh(ctx context.Context) fxrate.Rate
}

// FailureCounter exposes consecutive-failure counts per source.
type FailureCounter interface {
	FailureCount(ctx context.Context, source string) (int64, error)
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Registry   *market.Registry
	Fetcher    QuoteFetcher
	FX         RateProvider
	Calculator *premium.Calculator
	Evaluator  *alerting.Evaluator
	Notifier   alerting.Notifier
	Store      storage.Repository
	Failures   FailureCounter
	Bars       []fetcher.BarProvider
}

// Status summarises one pipeline invocation.
type Status struct {
	RunID       string
	Job         string
	StartedAt   time.Time
	Duration    time.Duration
	Skipped     bool
	Fetched     int
	Unavailable map[string]string
	FXRate      decimal.Decimal
	FXSource    string
	FXFallback  bool
	Premiums    int
	Ratios      int
	Bars        int
	Alerts      int
	Delivered   int
	Err         error
}

const defaultBarDays = 30

// Service orchestrates fetching, persistence, metric derivation and alerting.
type Service struct {
	deps   Deps
	logger zerolog.Logger

	lockKey   int64
	window    time.Duration
	retention time.Duration
	briefing  config.BriefingConfig
	barDays   int
	location  *time.Location
	now       func() time.Time
}

// New constructs the pipeline service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	barDays := cfg.Bars.Days
	if barDays <= 0 {
		barDays = defaultBarDays
	}
	return &Service{
		deps:      deps,
		logger:    logger.With().Str("component", "service").Logger(),
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		window:    cfg.Alerting.ChangeWindow,
		retention: cfg.Alerting.Retention,
		briefing:  cfg.Briefing,
		barDays:   barDays,
		location:  cfg.Location(),
		now:       time.Now,
	}
}

// FetchDomestic fetches every domestic symbol.
func (s *Service) FetchDomestic(ctx context.Context) Status {
	return s.fetch(ctx, config.JobFetchDomestic, market.ScopeDomestic)
}

// FetchInternational fetches every foreign benchmark.
func (s *Service) FetchInternational(ctx context.Context) Status {
	return s.fetch(ctx, config.JobFetchInternational, market.ScopeInternational)
}

// FetchAll fetches the whole registry.
func (s *Service) FetchAll(ctx context.Context) Status {
	return s.fetch(ctx, "fetch_all", market.ScopeAll)
}

// Fetch dispatches on scope.
func (s *Service) Fetch(ctx context.Context, scope market.Scope) Status {
	switch scope {
	case market.ScopeDomestic:
		return s.FetchDomestic(ctx)
	case market.ScopeInternational:
		return s.FetchInternational(ctx)
	default:
		return s.FetchAll(ctx)
	}
}

func (s *Service) fetch(ctx context.Context, job string, scope market.Scope) Status {
	return s.run(ctx, job, func(ctx context.Context, st *Status, log zerolog.Logger) error {
		symbols := s.deps.Registry.InScope(scope)
		if len(symbols) == 0 {
			return nil
		}

		batch, err := s.deps.Fetcher.FetchBatch(ctx, symbols)
		if err != nil {
			return fmt.Errorf("fetch %s quotes: %w", scope, err)
		}
		st.Fetched = len(batch.Quotes)
		st.Unavailable = batch.Unavailable

		bucket := s.bucket()
		quotes := make([]market.Quote, 0, len(batch.Quotes))
		for _, q := range batch.Quotes {
			q.Timestamp = bucket
			quotes = append(quotes, q)
		}
		s.priceInCNY(ctx, log, quotes)
		if len(quotes) > 0 {
			if err := s.deps.Store.UpsertQuotes(ctx, quotes); err != nil {
				log.Error().Err(err).Time("bucket", bucket).Msg("failed to upsert quotes")
			}
		}
		for symbol, reason := range batch.Unavailable {
			log.Warn().Str("symbol", symbol).Str("reason", reason).Msg("quote unavailable")
		}

		s.evaluateHealth(ctx, st, batch.Sources)

		log.Info().Int("fetched", st.Fetched).Int("unavailable", len(batch.Unavailable)).Msg("quotes recorded")
		return nil
	})
}

// RefreshFXRate forces a live FX refresh.
func (s *Service) RefreshFXRate(ctx context.Context) Status {
	return s.run(ctx, config.JobRefreshFX, func(ctx context.Context, st *Status, log zerolog.Logger) error {
		rate := s.deps.FX.Refresh(ctx)
		st.FXRate, st.FXSource, st.FXFallback = rate.Value, rate.Source, rate.Fallback
		s.evaluateHealth(ctx, st, rate.Sources)
		log.Info().Str("rate", rate.Value.String()).Str("source", rate.Source).Bool("fallback", rate.Fallback).Msg("fx rate refreshed")
		return nil
	})
}

// ComputeAndEvaluate derives metrics from the latest persisted quotes,
// persists them and runs the alert policy.
func (s *Service) ComputeAndEvaluate(ctx context.Context) Status {
	return s.run(ctx, config.JobCompute, func(ctx context.Context, st *Status, log zerolog.Logger) error {
		now := s.now()
		latest, err := s.deps.Store.LatestQuotes(ctx, s.deps.Registry.Codes())
		if err != nil {
			return fmt.Errorf("load latest quotes: %w", err)
		}

		rate := s.deps.FX.Latest(ctx)
		st.FXRate, st.FXSource, st.FXFallback = rate.Value, rate.Source, rate.Fallback
		s.evaluateHealth(ctx, st, rate.Sources)

		snap := s.compute(latest, rate, now)
		st.Premiums, st.Ratios = len(snap.Premiums), len(snap.Ratios)
		s.persistMetrics(ctx, log, snap)

		if s.deps.Evaluator == nil {
			return nil
		}
		in := alerting.Inputs{
			Snapshot: snap,
			Moves:    s.moves(ctx, log, latest, now),
			FXMove:   s.fxMove(ctx, log, rate, now),
		}
		s.dispatch(ctx, st, s.deps.Evaluator.Evaluate(ctx, now, in))

		log.Info().Int("premiums", st.Premiums).Int("ratios", st.Ratios).Int("alerts", st.Alerts).Msg("metrics evaluated")
		return nil
	})
}

// Snapshot computes the current metrics without persisting or alerting.
func (s *Service) Snapshot(ctx context.Context) (premium.Snapshot, error) {
	latest, err := s.deps.Store.LatestQuotes(ctx, s.deps.Registry.Codes())
	if err != nil {
		return premium.Snapshot{}, fmt.Errorf("load latest quotes: %w", err)
	}
	return s.compute(latest, s.deps.FX.Latest(ctx), s.now()), nil
}

// LatestQuotes returns the newest persisted quote per registered symbol.
func (s *Service) LatestQuotes(ctx context.Context) ([]market.Quote, error) {
	latest, err := s.deps.Store.LatestQuotes(ctx, s.deps.Registry.Codes())
	if err != nil {
		return nil, err
	}
	out := make([]market.Quote, 0, len(latest))
	for _, code := range s.deps.Registry.Codes() {
		if q, ok := latest[code]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// Health returns the consecutive-failure count of every provider.
func (s *Service) Health(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	if s.deps.Failures == nil || s.deps.Fetcher == nil {
		return out, nil
	}
	for _, name := range s.deps.Fetcher.Providers() {
		n, err := s.deps.Failures.FailureCount(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

// priceInCNY fills PriceCNY from the last persisted exchange rate. Foreign
// quotes stay without one until a rate has been stored.
func (s *Service) priceInCNY(ctx context.Context, log zerolog.Logger, quotes []market.Quote) {
	var rate decimal.Decimal
	if s.deps.FX != nil {
		sample, ok, err := s.deps.Store.LatestFXSample(ctx, s.deps.FX.Pair())
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("read fx sample for cny prices")
		case ok:
			rate = sample.Rate
		}
	}
	for i := range quotes {
		q := &quotes[i]
		switch {
		case q.Market.Domestic():
			q.PriceCNY = q.Price
		case rate.IsPositive() && s.deps.Calculator != nil:
			q.PriceCNY = s.deps.Calculator.Theoretical(q.Symbol, q.Price, rate).Round(2)
		}
	}
}

func (s *Service) compute(latest map[string]market.Quote, rate fxrate.Rate, now time.Time) premium.Snapshot {
	prices := make(map[string]decimal.Decimal, len(latest))
	for code, q := range latest {
		prices[code] = q.Price
	}
	snap := s.deps.Calculator.Compute(prices, rate.Value, now)
	snap.FXSource = rate.Source
	return snap
}

func (s *Service) persistMetrics(ctx context.Context, log zerolog.Logger, snap premium.Snapshot) {
	if len(snap.Premiums) == 0 && len(snap.Ratios) == 0 {
		return
	}
	bucket := s.bucket()
	records := make([]storage.MetricRecord, 0, len(snap.Premiums)+len(snap.Ratios))
	for _, p := range snap.Premiums {
		records = append(records, storage.MetricRecord{
			Kind:             storage.MetricPremium,
			Key:              p.Pair,
			Bucket:           bucket,
			Value:            p.Rate,
			DomesticPrice:    p.DomesticPrice,
			TheoreticalPrice: p.TheoreticalPrice,
			FXRate:           p.FXRate,
		})
	}
	for _, r := range snap.Ratios {
		records = append(records, storage.MetricRecord{
			Kind:   storage.MetricRatio,
			Key:    r.ID,
			Bucket: bucket,
			Value:  r.Value,
		})
	}
	if err := s.deps.Store.UpsertMetrics(ctx, records); err != nil {
		log.Error().Err(err).Time("bucket", bucket).Msg("failed to upsert metrics")
	}
}

// moves compares each latest quote with the newest one at or before
// now - window.
func (s *Service) moves(ctx context.Context, log zerolog.Logger, latest map[string]market.Quote, now time.Time) []alerting.Move {
	if s.window <= 0 {
		return nil
	}
	cutoff := now.Add(-s.window).UTC()
	var out []alerting.Move
	for _, code := range s.deps.Registry.Codes() {
		cur, ok := latest[code]
		if !ok {
			continue
		}
		prev, ok, err := s.deps.Store.QuoteBefore(ctx, code, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("symbol", code).Msg("load reference quote")
			continue
		}
		if !ok {
			continue
		}
		name := code
		if sym, found := s.deps.Registry.Lookup(code); found {
			name = sym.DisplayName()
		}
		if m, ok := alerting.NewMove(code, name, prev.Price, cur.Price); ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *Service) fxMove(ctx context.Context, log zerolog.Logger, rate fxrate.Rate, now time.Time) *alerting.Move {
	if s.window <= 0 || rate.Fallback {
		return nil
	}
	pair := s.deps.FX.Pair()
	prev, ok, err := s.deps.Store.FXSampleBefore(ctx, pair, now.Add(-s.window).UTC())
	if err != nil {
		log.Warn().Err(err).Msg("load reference fx sample")
		return nil
	}
	if !ok {
		return nil
	}
	m, ok := alerting.NewMove(pair, pair, prev.Rate, rate.Value)
	if !ok {
		return nil
	}
	return &m
}

// evaluateHealth raises source outage alerts for the attempts of one run.
func (s *Service) evaluateHealth(ctx context.Context, st *Status, outcomes []fetcher.SourceOutcome) {
	if s.deps.Evaluator == nil || len(outcomes) == 0 {
		return
	}
	s.dispatch(ctx, st, s.deps.Evaluator.EvaluateHealth(ctx, s.now(), outcomes))
}

func (s *Service) dispatch(ctx context.Context, st *Status, alerts []alerting.Alert) {
	if len(alerts) == 0 {
		return
	}
	st.Alerts += len(alerts)
	for _, d := range s.deps.Evaluator.Dispatch(ctx, s.deps.Notifier, alerts) {
		if d.Delivered() {
			st.Delivered++
		}
		s.audit(ctx, d.Alert.Key, string(d.Alert.Category), d.Alert.Title, d.Alert.Text(), d.Channels, d.Delivered())
	}
}

func (s *Service) audit(ctx context.Context, key, category, title, text string, channels []string, delivered bool) {
	now := s.now().UTC()
	record := storage.AlertRecord{
		Key:       key,
		Category:  category,
		Title:     title,
		Message:   text,
		Channels:  channels,
		Delivered: delivered,
		SentAt:    now,
		CreatedAt: now,
	}
	if _, err := s.deps.Store.InsertAlert(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("failed to persist alert record")
	}
}

// run wraps a job body with a run id, timing and the per-job advisory lock.
// Errors end up in Status and the log, never as a panic in the scheduler.
func (s *Service) run(ctx context.Context, job string, body func(context.Context, *Status, zerolog.Logger) error) Status {
	st := Status{RunID: uuid.NewString(), Job: job, StartedAt: s.now()}
	log := s.logger.With().Str("job", job).Str("run_id", st.RunID).Logger()

	unlock, proceed, err := s.acquireLock(ctx, job)
	if err != nil {
		st.Err = err
		log.Error().Err(err).Msg("job aborted")
		return st
	}
	if !proceed {
		st.Skipped = true
		log.Debug().Msg("skip job because advisory lock held elsewhere")
		return st
	}
	if unlock != nil {
		defer unlock()
	}

	if err := body(ctx, &st, log); err != nil {
		st.Err = err
		log.Error().Err(err).Msg("job failed")
	}
	st.Duration = s.now().Sub(st.StartedAt)
	return st
}

func (s *Service) acquireLock(ctx context.Context, job string) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Store == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Store.TryAdvisoryLock(ctx, jobLockKey(s.lockKey, job))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func jobLockKey(base int64, job string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(job)))
	return base<<32 | int64(h.Sum32())
}

// bucket is the minute the current run is keyed by.
func (s *Service) bucket() time.Time {
	return s.now().UTC().Truncate(time.Minute)
}
