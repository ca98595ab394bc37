package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"commodity-premium-alerts/internal/config"
	"commodity-premium-alerts/internal/market"
	"commodity-premium-alerts/internal/storage"
)

// rollupSource tags bars aggregated from stored quotes.
const rollupSource = "quotes"

// CollectDailyBars stores the recent daily bars of every registered symbol.
// A symbol is taken from the first bar provider that serves it and otherwise
// rolled up from the quotes already on disk.
func (s *Service) CollectDailyBars(ctx context.Context) Status {
	return s.run(ctx, config.JobDailyBars, func(ctx context.Context, st *Status, log zerolog.Logger) error {
		now := s.now()
		var bars []market.DailyBar
		for _, code := range s.deps.Registry.Codes() {
			got, err := s.dailyBars(ctx, log, code, now)
			if err != nil {
				if st.Unavailable == nil {
					st.Unavailable = make(map[string]string)
				}
				st.Unavailable[code] = err.Error()
				log.Warn().Err(err).Str("symbol", code).Msg("daily bars unavailable")
				continue
			}
			bars = append(bars, got...)
		}
		if err := s.deps.Store.UpsertDailyBars(ctx, bars); err != nil {
			return fmt.Errorf("store daily bars: %w", err)
		}
		st.Bars = len(bars)
		log.Info().Int("bars", st.Bars).Int("unavailable", len(st.Unavailable)).Msg("daily bars recorded")
		return nil
	})
}

func (s *Service) dailyBars(ctx context.Context, log zerolog.Logger, symbol string, now time.Time) ([]market.DailyBar, error) {
	for _, p := range s.deps.Bars {
		if !p.Supports(symbol) {
			continue
		}
		bars, err := p.DailyBars(ctx, symbol, s.barDays)
		if err == nil && len(bars) > 0 {
			return bars, nil
		}
		log.Debug().Err(err).Str("provider", p.Name()).Str("symbol", symbol).Msg("bar provider came back empty")
	}
	return s.rollupBars(ctx, symbol, now)
}

// rollupBars folds stored quotes into one bar per calendar day in the
// scheduler time zone, covering the last barDays days including today.
func (s *Service) rollupBars(ctx context.Context, symbol string, now time.Time) ([]market.DailyBar, error) {
	y, m, d := now.In(s.location).Date()
	end := time.Date(y, m, d+1, 0, 0, 0, 0, s.location)
	start := end.AddDate(0, 0, -s.barDays)

	quotes, err := s.deps.Store.ListQuotesBetween(ctx, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("load quotes: %w", err)
	}

	var bars []market.DailyBar
	for _, q := range quotes {
		day := market.DayOf(q.Timestamp, s.location)
		if n := len(bars); n > 0 && bars[n-1].Day.Equal(day) {
			b := &bars[n-1]
			if q.Price.GreaterThan(b.High) {
				b.High = q.Price
			}
			if q.Price.LessThan(b.Low) {
				b.Low = q.Price
			}
			b.Close = q.Price
			continue
		}
		bars = append(bars, market.DailyBar{
			Symbol: symbol,
			Day:    day,
			Open:   q.Price,
			High:   q.Price,
			Low:    q.Price,
			Close:  q.Price,
			Source: rollupSource,
		})
	}
	return bars, nil
}

// DailyBars lists stored bars of symbol for days within [from, to).
func (s *Service) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]market.DailyBar, error) {
	return s.deps.Store.ListDailyBars(ctx, symbol, from, to)
}

// MetricHistory lists persisted premiums (kind storage.MetricPremium) or
// ratios (storage.MetricRatio) of key within [from, to).
func (s *Service) MetricHistory(ctx context.Context, kind, key string, from, to time.Time) ([]storage.MetricRecord, error) {
	return s.deps.Store.ListMetricsBetween(ctx, kind, key, from, to)
}
