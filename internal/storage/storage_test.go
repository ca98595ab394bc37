package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"commodity-premium-alerts/internal/market"
)

func backends(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "premiumwatch.db"))
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(context.Background()))
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Repository{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func quote(symbol, price string, at time.Time) market.Quote {
	return market.Quote{
		Symbol:    symbol,
		Price:     decimal.RequireFromString(price),
		Unit:      "USD/oz",
		Market:    market.MarketINTL,
		Source:    "sina",
		Timestamp: at,
	}
}

func TestQuoteUpsertAndLookups(t *testing.T) {
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.UpsertQuotes(ctx, []market.Quote{
				quote("XAU", "2640", base),
				quote("XAU", "2650", base.Add(time.Minute)),
				quote("XAG", "31.2", base),
			}))
			// same bucket again replaces rather than duplicates
			require.NoError(t, repo.UpsertQuotes(ctx, []market.Quote{quote("XAU", "2655", base.Add(time.Minute))}))

			latest, err := repo.LatestQuotes(ctx, []string{"XAU", "XAG", "NG"})
			require.NoError(t, err)
			require.Len(t, latest, 2)
			require.Equal(t, "2655", latest["XAU"].Price.String())
			require.True(t, latest["XAU"].Timestamp.Equal(base.Add(time.Minute)))
			require.Equal(t, market.MarketINTL, latest["XAU"].Market)

			before, ok, err := repo.QuoteBefore(ctx, "XAU", base.Add(30*time.Second))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "2640", before.Price.String())

			_, ok, err = repo.QuoteBefore(ctx, "XAU", base.Add(-time.Second))
			require.NoError(t, err)
			require.False(t, ok)

			series, err := repo.ListQuotesBetween(ctx, "XAU", base, base.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, series, 2)
			require.Equal(t, "2640", series[0].Price.String())
		})
	}
}

func TestFXSamples(t *testing.T) {
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := repo.LatestFXSample(ctx, "USD/CNY")
			require.NoError(t, err)
			require.False(t, ok)

			for i, r := range []string{"7.20", "7.24"} {
				require.NoError(t, repo.UpsertFXSample(ctx, market.FXSample{
					Pair: "USD/CNY", Rate: decimal.RequireFromString(r), Source: "sina",
					Timestamp: base.Add(time.Duration(i) * time.Hour),
				}))
			}

			latest, ok, err := repo.LatestFXSample(ctx, "USD/CNY")
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, latest.Rate.Equal(decimal.RequireFromString("7.24")))

			prev, ok, err := repo.FXSampleBefore(ctx, "USD/CNY", base.Add(59*time.Minute))
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, prev.Rate.Equal(decimal.RequireFromString("7.2")))
		})
	}
}

func TestQuotePriceCNY(t *testing.T) {
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gold := quote("XAU", "2400", base)
			gold.PriceCNY = decimal.RequireFromString("555.56")
			require.NoError(t, repo.UpsertQuotes(ctx, []market.Quote{gold, quote("XAG", "28", base)}))

			latest, err := repo.LatestQuotes(ctx, []string{"XAU", "XAG"})
			require.NoError(t, err)
			require.Equal(t, "555.56", latest["XAU"].PriceCNY.String())
			require.True(t, latest["XAG"].PriceCNY.IsZero(), "no rate at fetch time leaves the column empty")

			series, err := repo.ListQuotesBetween(ctx, "XAU", base, base.Add(time.Minute))
			require.NoError(t, err)
			require.Equal(t, "555.56", series[0].PriceCNY.String())
		})
	}
}

func TestDailyBarsUpsertByDay(t *testing.T) {
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	bar := func(d time.Time, closePrice string) market.DailyBar {
		return market.DailyBar{
			Symbol: "XAU", Day: d, Source: "yahoo", Volume: 1200,
			Open:  decimal.RequireFromString("2400"),
			High:  decimal.RequireFromString("2431.5"),
			Low:   decimal.RequireFromString("2390"),
			Close: decimal.RequireFromString(closePrice),
		}
	}
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.UpsertDailyBars(ctx, []market.DailyBar{
				bar(day, "2420"),
				bar(day.AddDate(0, 0, 1), "2425"),
				bar(day.AddDate(0, 0, 2), "2430"),
			}))
			require.NoError(t, repo.UpsertDailyBars(ctx, []market.DailyBar{bar(day, "2421")}))

			got, err := repo.ListDailyBars(ctx, "XAU", day, day.AddDate(0, 0, 2))
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.True(t, got[0].Day.Equal(day))
			require.Equal(t, "2421", got[0].Close.String())
			require.Equal(t, "2431.5", got[0].High.String())
			require.Equal(t, int64(1200), got[0].Volume)
			require.Equal(t, "yahoo", got[1].Source)
		})
	}
}

func TestMetricsUpsertByKey(t *testing.T) {
	bucket := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := MetricRecord{
				Kind: MetricPremium, Key: "GOLD", Bucket: bucket,
				Value:            decimal.RequireFromString("-6.4015"),
				DomesticPrice:    decimal.RequireFromString("520"),
				TheoreticalPrice: decimal.RequireFromString("555.56"),
				FXRate:           decimal.RequireFromString("7.2"),
			}
			require.NoError(t, repo.UpsertMetrics(ctx, []MetricRecord{rec}))
			rec.Value = decimal.RequireFromString("-6.5")
			require.NoError(t, repo.UpsertMetrics(ctx, []MetricRecord{rec}))

			got, err := repo.ListMetricsBetween(ctx, MetricPremium, "GOLD", bucket, bucket.Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "-6.5", got[0].Value.String())
			require.Equal(t, "555.56", got[0].TheoreticalPrice.String())
		})
	}
}

func TestAlertsAudit(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"gold_prem_low", "fx_crash"} {
				rec, err := repo.InsertAlert(ctx, AlertRecord{
					Key: key, Category: "arbitrage", Title: key, Message: "body",
					Channels: []string{"onebot", "telegram"}, Delivered: true, SentAt: time.Now(),
				})
				require.NoError(t, err)
				require.NotZero(t, rec.ID)
			}

			recent, err := repo.ListRecentAlerts(ctx, 1)
			require.NoError(t, err)
			require.Len(t, recent, 1)
			require.Equal(t, "fx_crash", recent[0].Key)
			require.Equal(t, []string{"onebot", "telegram"}, recent[0].Channels)
			require.True(t, recent[0].Delivered)

			require.NoError(t, repo.DeleteAlertsBefore(ctx, time.Now().Add(time.Hour)))
			recent, err = repo.ListRecentAlerts(ctx, 10)
			require.NoError(t, err)
			require.Empty(t, recent)
		})
	}
}

func TestLocalAdvisoryLock(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	unlock, ok, err := repo.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = repo.TryAdvisoryLock(ctx, 42)
	require.False(t, ok)

	unlock()
	unlock()
	_, ok, _ = repo.TryAdvisoryLock(ctx, 42)
	require.True(t, ok)
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "twice.db"))
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Migrate(context.Background()))
	require.NoError(t, repo.Migrate(context.Background()))
}
