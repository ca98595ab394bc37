package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"commodity-premium-alerts/internal/config"
	"commodity-premium-alerts/internal/market"
	"commodity-premium-alerts/internal/storage"
)

func ptr(v float64) *float64 { return &v }

func testConfig() *config.Config {
	return &config.Config{
		Database:     config.DatabaseConfig{Driver: storage.DriverMemory},
		Scheduler:    config.SchedulerConfig{Timezone: "UTC"},
		Symbols:      market.DefaultSymbols(),
		PremiumPairs: market.DefaultPremiumPairs(),
		Ratios:       market.DefaultRatios(),
		FX:           config.FXConfig{Pair: "USD/CNY", TTL: time.Hour, DefaultRate: 7.25},
		Alerting: config.AlertingConfig{
			Enabled:  true,
			Channels: []string{"log"},
			PremiumBands: []config.BandConfig{
				{ID: "GOLD", High: ptr(2.5), Low: ptr(-1), LowNote: "buy domestic gold"},
			},
		},
		Export: config.ExportConfig{MaxDataPoints: 1000},
	}
}

func newTestApp(cfg *config.Config) (*App, *bytes.Buffer) {
	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func TestSimulateAlertDryRun(t *testing.T) {
	a, out := newTestApp(testConfig())

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		Prices: map[string]decimal.Decimal{
			"SHFE.AU": decimal.NewFromInt(520),
			"XAU":     decimal.NewFromInt(2400),
		},
		FXRate:        decimal.RequireFromString("7.2"),
		AllCategories: true,
		DryRun:        true,
	})
	if err != nil {
		t.Fatalf("模拟告警失败: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "GOLD: theoretical 555.56, premium -6.40%") {
		t.Fatalf("缺少溢价结果: %s", text)
	}
	if !strings.Contains(text, "💰【Gold premium below -1%】") {
		t.Fatalf("缺少告警正文: %s", text)
	}
	if !strings.Contains(text, "💡 buy domestic gold") {
		t.Fatalf("缺少建议: %s", text)
	}
}

func TestSimulateAlertRespectsToggles(t *testing.T) {
	a, out := newTestApp(testConfig())

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		Prices: map[string]decimal.Decimal{
			"SHFE.AU": decimal.NewFromInt(520),
			"XAU":     decimal.NewFromInt(2400),
		},
		FXRate: decimal.RequireFromString("7.2"),
		DryRun: true,
	})
	require.NoError(t, err)
	require.Contains(t, out.String(), "no alert triggered")
}

func TestSimulateAlertRejectsUnknownSymbol(t *testing.T) {
	a, _ := newTestApp(testConfig())
	err := a.SimulateAlert(context.Background(), SimulateOptions{
		Prices: map[string]decimal.Decimal{"NOPE": decimal.NewFromInt(1)},
	})
	require.ErrorContains(t, err, "unknown symbol")
}

func TestTestAlertUsesLogChannel(t *testing.T) {
	a, out := newTestApp(testConfig())
	require.NoError(t, a.TestAlert(context.Background()))
	require.Contains(t, out.String(), "test alert delivered via [log]")

	cfg := testConfig()
	cfg.Alerting.Channels = nil
	a, _ = newTestApp(cfg)
	require.Error(t, a.TestAlert(context.Background()))
}

func TestNewNotifierSkipsDisabledChannels(t *testing.T) {
	cfg := testConfig()
	cfg.Alerting.Channels = []string{"log", "onebot", "telegram", "pager"}
	cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1"}

	a, _ := newTestApp(cfg)
	require.Equal(t, []string{"log", "telegram"}, a.newNotifier().Channels())
}

func TestComputeOnEmptyStoreUsesFallbackRate(t *testing.T) {
	a, out := newTestApp(testConfig())

	require.NoError(t, a.Compute(context.Background()))
	text := out.String()
	require.Contains(t, text, "job compute run ")
	require.Contains(t, text, "fx: 7.2500 (fallback)")
}

func TestCollectBarsRollsUpEmptyStore(t *testing.T) {
	a, out := newTestApp(testConfig())

	require.NoError(t, a.CollectBars(context.Background()))
	require.Contains(t, out.String(), "job daily_bars run ")
}

func TestFetchWithoutProvidersFails(t *testing.T) {
	a, out := newTestApp(testConfig())

	err := a.Fetch(context.Background(), market.ScopeDomestic)
	require.Error(t, err)
	require.Contains(t, out.String(), "error:")
}

func TestNewSchedulerRegistersEnabledJobs(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Jobs = map[string]config.JobConfig{
		config.JobCompute:   {Enabled: true, Interval: time.Minute},
		config.JobBriefing:  {Enabled: true, Times: []string{"08:30"}},
		config.JobRefreshFX: {Enabled: false, Interval: 5 * time.Minute},
		config.JobDailyBars: {Enabled: true, Times: []string{"16:00"}},
		"unknown":           {Enabled: true, Interval: time.Minute},
	}
	a, _ := newTestApp(cfg)

	rt, err := a.build(context.Background())
	require.NoError(t, err)
	defer rt.Close()

	sched, err := a.newScheduler(rt.service)
	require.NoError(t, err)
	require.Equal(t, []string{config.JobCompute, config.JobBriefing, config.JobDailyBars}, sched.Jobs())
}

func seedQuotes(t *testing.T, repo storage.Repository, start time.Time, n int) {
	t.Helper()
	quotes := make([]market.Quote, 0, n)
	for i := 0; i < n; i++ {
		quotes = append(quotes, market.Quote{
			Symbol:    "XAU",
			Price:     decimal.NewFromInt(int64(2400 + i)),
			Unit:      "USD/oz",
			Market:    market.MarketINTL,
			Source:    "sina",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, repo.UpsertQuotes(context.Background(), quotes))
}

func TestExportQuotesCSVAndXLSX(t *testing.T) {
	a, _ := newTestApp(testConfig())
	repo := storage.NewMemory()
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	seedQuotes(t, repo, start, 10)

	dir := t.TempDir()
	from, to := start, start.Add(time.Hour)
	opts := ExportOptions{
		Symbol:    "XAU",
		From:      &from,
		To:        &to,
		CSVPath:   filepath.Join(dir, "out", "xau.csv"),
		XLSXPath:  filepath.Join(dir, "xau.xlsx"),
		MaxPoints: 4,
	}
	require.NoError(t, a.export(context.Background(), repo, opts))

	file, err := os.Open(opts.CSVPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Equal(t, []string{"bucket_ts", "price", "source"}, records[0])
	require.Len(t, records, 5, "header plus four downsampled rows")
	require.Equal(t, []string{"2025-03-03T09:00:00Z", "2400", "sina"}, records[1])
	require.Equal(t, []string{"2025-03-03T09:09:00Z", "2409", "sina"}, records[4])

	book, err := excelize.OpenFile(opts.XLSXPath)
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows("XAU")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, "bucket_ts", rows[0][0])
	require.Equal(t, "2409", rows[4][1])
}

func TestExportPremiumHistory(t *testing.T) {
	a, _ := newTestApp(testConfig())
	repo := storage.NewMemory()
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpsertMetrics(context.Background(), []storage.MetricRecord{
		{Kind: storage.MetricPremium, Key: "GOLD", Bucket: start, Value: decimal.RequireFromString("-6.4015"),
			DomesticPrice: decimal.NewFromInt(520), TheoreticalPrice: decimal.RequireFromString("555.56"), FXRate: decimal.RequireFromString("7.2")},
		{Kind: storage.MetricPremium, Key: "GOLD", Bucket: start.Add(time.Minute), Value: decimal.RequireFromString("0.8"),
			DomesticPrice: decimal.NewFromInt(560), TheoreticalPrice: decimal.RequireFromString("555.56"), FXRate: decimal.RequireFromString("7.2")},
	}))

	path := filepath.Join(t.TempDir(), "gold.csv")
	from, to := start, start.Add(time.Hour)
	require.NoError(t, a.export(context.Background(), repo, ExportOptions{Pair: "GOLD", From: &from, To: &to, CSVPath: path}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Equal(t, "bucket_ts,premium_pct,domestic_price,theoretical_price,fx_rate", lines[0])
	require.Equal(t, "2025-03-03T09:00:00Z,-6.4015,520,555.56,7.2", lines[1])
}

func TestExportRequiresSeriesAndOutput(t *testing.T) {
	a, _ := newTestApp(testConfig())
	repo := storage.NewMemory()

	require.Error(t, a.Export(context.Background(), ExportOptions{Symbol: "XAU"}))
	err := a.export(context.Background(), repo, ExportOptions{CSVPath: filepath.Join(t.TempDir(), "x.csv")})
	require.ErrorContains(t, err, "--symbol")

	to := time.Now()
	from := to.Add(time.Hour)
	err = a.export(context.Background(), repo, ExportOptions{Symbol: "XAU", From: &from, To: &to, CSVPath: "x.csv"})
	require.ErrorContains(t, err, "from must be before to")
}

func TestDownsampleKeepsEnds(t *testing.T) {
	in := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.Equal(t, in, downsample(in, 0))
	require.Equal(t, in, downsample(in, 20))
	require.Equal(t, []int{0, 3, 6, 9}, downsample(in, 4))
	require.Equal(t, []int{9}, downsample(in, 1))
}

func TestSheetName(t *testing.T) {
	require.Equal(t, "USD_CNY", sheetName("USD/CNY"))
	require.Equal(t, "data", sheetName(""))
	require.Len(t, sheetName(strings.Repeat("x", 40)), 31)
}

func TestWriteQuotesAndAlerts(t *testing.T) {
	registry, err := market.NewRegistry(market.DefaultSymbols())
	require.NoError(t, err)

	var buf bytes.Buffer
	at := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	require.NoError(t, writeQuotes(&buf, registry, []market.Quote{
		{Symbol: "XAU", Price: decimal.RequireFromString("2400.5"), Unit: "USD/oz", Source: "yahoo", Timestamp: at},
	}))
	require.Contains(t, buf.String(), "London Gold")
	require.Contains(t, buf.String(), "2400.50")

	buf.Reset()
	require.NoError(t, writeAlerts(&buf, []storage.AlertRecord{
		{Key: "gold_prem_low", Category: "arbitrage", Title: "Gold\npremium", Channels: []string{"log", "onebot"}, Delivered: true, CreatedAt: at},
	}))
	require.Contains(t, buf.String(), "Gold premium")
	require.Contains(t, buf.String(), "log,onebot")

	buf.Reset()
	require.NoError(t, writeAlerts(&buf, nil))
	require.Equal(t, "no alerts found\n", buf.String())
}
