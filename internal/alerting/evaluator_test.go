package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"commodity-premium-alerts/internal/alertstate"
	"commodity-premium-alerts/internal/config"
	"commodity-premium-alerts/internal/convert"
	"commodity-premium-alerts/internal/fetcher"
	"commodity-premium-alerts/internal/market"
	"commodity-premium-alerts/internal/premium"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fptr(v float64) *float64 { return &v }

func testPolicy() Policy {
	return PolicyFromConfig(config.AlertingConfig{
		Enabled: true,
		Categories: config.CategoryToggles{
			Arbitrage: true, Ratio: true, Crash: true, FXCrash: true, FetchFail: true,
		},
		Cooldowns: config.CooldownConfig{
			Arbitrage: 4 * time.Hour, Ratio: 8 * time.Hour, Crash: time.Hour, Default: 4 * time.Hour,
		},
		PremiumBands: []config.BandConfig{
			{ID: "GOLD", High: fptr(2.5), Low: fptr(-1), LowNote: "buy domestic gold"},
		},
		RatioBands: []config.BandConfig{
			{ID: "gold_silver", High: fptr(85), Low: fptr(60), HighNote: "rotate into silver"},
		},
		PriceChangePct: 4,
		FXChangePct:    1,
		FetchFailCount: 3,
	}, time.UTC)
}

func snapshot(t *testing.T, prices map[string]string, fx string) premium.Snapshot {
	t.Helper()
	reg, err := market.NewRegistry(market.DefaultSymbols())
	require.NoError(t, err)
	calc := premium.NewCalculator(convert.New(reg.Strategies()), market.DefaultPremiumPairs(), market.DefaultRatios())
	in := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		in[k] = d(v)
	}
	return calc.Compute(in, d(fx), time.Now())
}

var t0 = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

func TestGoldDiscountRaisesOpportunity(t *testing.T) {
	e := NewEvaluator(testPolicy(), alertstate.NewMemory(), zerolog.Nop())
	snap := snapshot(t, map[string]string{"SHFE.AU": "520", "XAU": "2400"}, "7.2")

	alerts := e.Evaluate(context.Background(), t0, Inputs{Snapshot: snap})
	require.Len(t, alerts, 1)
	a := alerts[0]
	require.Equal(t, "gold_prem_low", a.Key)
	require.Equal(t, KindOpportunity, a.Kind)
	require.Equal(t, CategoryArbitrage, a.Category)
	require.Contains(t, a.Text(), "555.56")
	require.Contains(t, a.Text(), "-6.40%")
	require.Contains(t, a.Text(), "buy domestic gold")
}

func TestGoldSilverRatioRaisesRotation(t *testing.T) {
	e := NewEvaluator(testPolicy(), alertstate.NewMemory(), zerolog.Nop())
	snap := snapshot(t, map[string]string{"XAU": "2400", "XAG": "28"}, "7.2")

	alerts := e.Evaluate(context.Background(), t0, Inputs{Snapshot: snap})
	require.Len(t, alerts, 1)
	require.Equal(t, "gold_silver_ratio_high", alerts[0].Key)
	require.Equal(t, KindRotation, alerts[0].Kind)
	require.Contains(t, alerts[0].Text(), "85.71")
}

func TestInsideBandAndMissingMetricsAreSilent(t *testing.T) {
	e := NewEvaluator(testPolicy(), alertstate.NewMemory(), zerolog.Nop())

	// 560 against 555.56 is +0.80%; 2400/32 is 75.
	snap := snapshot(t, map[string]string{"SHFE.AU": "560", "XAU": "2400", "XAG": "32"}, "7.2")
	require.Empty(t, e.Evaluate(context.Background(), t0, Inputs{Snapshot: snap}))

	require.Empty(t, e.Evaluate(context.Background(), t0, Inputs{Snapshot: premium.Snapshot{}}))
}

func TestBoundaryValueDoesNotFire(t *testing.T) {
	e := NewEvaluator(testPolicy(), alertstate.NewMemory(), zerolog.Nop())
	snap := premium.Snapshot{Ratios: []premium.Ratio{{ID: "gold_silver", Value: d("85")}}}
	require.Empty(t, e.Evaluate(context.Background(), t0, Inputs{Snapshot: snap}))
}

func TestCooldownSuppressesSecondNotification(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := NewMockNotifier(ctrl)
	notifier.EXPECT().SendText(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	state := alertstate.NewMemory()
	e := NewEvaluator(testPolicy(), state, zerolog.Nop())
	snap := snapshot(t, map[string]string{"SHFE.AU": "520", "XAU": "2400"}, "7.2")
	ctx := context.Background()

	first := e.Evaluate(ctx, t0, Inputs{Snapshot: snap})
	e.Dispatch(ctx, notifier, first)

	second := e.Evaluate(ctx, t0.Add(time.Minute), Inputs{Snapshot: snap})
	require.Empty(t, second)
	e.Dispatch(ctx, notifier, second)

	last, ok, err := state.LastSent(ctx, "gold_prem_low")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, last.Equal(t0), "suppressed tick must not move lastSent")

	again := e.Evaluate(ctx, t0.Add(4*time.Hour), Inputs{Snapshot: snap})
	require.Len(t, again, 1)
}

func TestFailedSendStillCoolsDown(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := NewMockNotifier(ctrl)
	notifier.EXPECT().SendText(gomock.Any(), gomock.Any()).Return(errors.New("http 502"))

	e := NewEvaluator(testPolicy(), alertstate.NewMemory(), zerolog.Nop())
	ctx := context.Background()
	snap := snapshot(t, map[string]string{"SHFE.AU": "520", "XAU": "2400"}, "7.2")

	deliveries := e.Dispatch(ctx, notifier, e.Evaluate(ctx, t0, Inputs{Snapshot: snap}))
	require.Len(t, deliveries, 1)
	require.False(t, deliveries[0].Delivered())

	require.Empty(t, e.Evaluate(ctx, t0.Add(time.Hour), Inputs{Snapshot: snap}))
}

func TestDispatchIsIndependentPerAlert(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := NewMockNotifier(ctrl)
	gomock.InOrder(
		notifier.EXPECT().SendText(gomock.Any(), gomock.Any()).Return(errors.New("down")),
		notifier.EXPECT().SendText(gomock.Any(), gomock.Any()).Return(nil),
	)

	e := NewEvaluator(testPolicy(), alertstate.NewMemory(), zerolog.Nop())
	ctx := context.Background()
	snap := snapshot(t, map[string]string{"SHFE.AU": "520", "XAU": "2400", "XAG": "28"}, "7.2")

	deliveries := e.Dispatch(ctx, notifier, e.Evaluate(ctx, t0, Inputs{Snapshot: snap}))
	require.Len(t, deliveries, 2)
	require.False(t, deliveries[0].Delivered())
	require.True(t, deliveries[1].Delivered())
}

func TestPriceAndFXMoves(t *testing.T) {
	e := NewEvaluator(testPolicy(), alertstate.NewMemory(), zerolog.Nop())

	surge, ok := NewMove("XAU", "London Gold", d("2400"), d("2520"))
	require.True(t, ok)
	calm, ok := NewMove("XAG", "London Silver", d("30"), d("30.6"))
	require.True(t, ok)
	fx, ok := NewMove("USD/CNY", "USD/CNY", d("7.20"), d("7.10"))
	require.True(t, ok)

	alerts := e.Evaluate(context.Background(), t0, Inputs{Moves: []Move{surge, calm}, FXMove: &fx})
	require.Len(t, alerts, 2)
	require.Equal(t, "crash_XAU", alerts[0].Key)
	require.Contains(t, alerts[0].Title, "surges")
	require.Contains(t, alerts[0].Text(), "+5.0%")
	require.Equal(t, FXKey, alerts[1].Key)
	require.Contains(t, alerts[1].Title, "drops")

	_, ok = NewMove("XAU", "", decimal.Zero, d("1"))
	require.False(t, ok)
}

func TestMoveExactlyAtThresholdFires(t *testing.T) {
	e := NewEvaluator(testPolicy(), alertstate.NewMemory(), zerolog.Nop())

	surge, ok := NewMove("XAU", "London Gold", d("2500"), d("2600"))
	require.True(t, ok)
	require.True(t, surge.Pct.Equal(d("4")))
	fx, ok := NewMove("USD/CNY", "USD/CNY", d("7.00"), d("7.07"))
	require.True(t, ok)
	require.True(t, fx.Pct.Equal(d("1")))

	alerts := e.Evaluate(context.Background(), t0, Inputs{Moves: []Move{surge}, FXMove: &fx})
	require.Len(t, alerts, 2)
	require.Equal(t, "crash_XAU", alerts[0].Key)
	require.Equal(t, FXKey, alerts[1].Key)

	below, ok := NewMove("XAG", "London Silver", d("30"), d("31.19"))
	require.True(t, ok)
	require.Empty(t, e.Evaluate(context.Background(), t0, Inputs{Moves: []Move{below}}))
}

func TestCategoryToggles(t *testing.T) {
	policy := testPolicy()
	policy.Categories.Arbitrage = false
	policy.Categories.Ratio = false
	e := NewEvaluator(policy, alertstate.NewMemory(), zerolog.Nop())
	snap := snapshot(t, map[string]string{"SHFE.AU": "520", "XAU": "2400", "XAG": "28"}, "7.2")
	require.Empty(t, e.Evaluate(context.Background(), t0, Inputs{Snapshot: snap}))

	policy = testPolicy()
	policy.Enabled = false
	e = NewEvaluator(policy, alertstate.NewMemory(), zerolog.Nop())
	require.Empty(t, e.Evaluate(context.Background(), t0, Inputs{Snapshot: snap}))
}

func TestFetchFailureAlertsOncePerIncident(t *testing.T) {
	ctx := context.Background()
	state := alertstate.NewMemory()
	e := NewEvaluator(testPolicy(), state, zerolog.Nop())

	failBatch := func(at time.Time) []Alert {
		n, err := state.IncrFailure(ctx, "sina")
		require.NoError(t, err)
		return e.EvaluateHealth(ctx, at, []fetcher.SourceOutcome{{Source: "sina", Requested: 3, Failures: n}})
	}

	require.Empty(t, failBatch(t0))
	require.Empty(t, failBatch(t0.Add(time.Minute)))
	alerts := failBatch(t0.Add(2 * time.Minute))
	require.Len(t, alerts, 1)
	require.Equal(t, "fetch_fail_sina", alerts[0].Key)
	require.Equal(t, KindSystem, alerts[0].Kind)
	require.True(t, strings.HasPrefix(alerts[0].Text(), "⚙️"))

	// still failing: same incident
	require.Empty(t, failBatch(t0.Add(3*time.Minute)))

	require.NoError(t, state.ResetFailure(ctx, "sina"))
	later := t0.Add(5 * time.Hour)
	require.Empty(t, failBatch(later))
	require.Empty(t, failBatch(later.Add(time.Minute)))
	require.Len(t, failBatch(later.Add(2*time.Minute)), 1)
}

func TestAlertText(t *testing.T) {
	a := Alert{
		Kind:       KindCrash,
		Title:      "London Gold plunges",
		Lines:      []string{"📉 London Gold: 2300.00 (-4.2%)"},
		Suggestion: "Extreme move, watch your risk.",
		Timestamp:  time.Date(2025, 3, 3, 14, 5, 0, 0, time.UTC),
	}
	want := "🚨【London Gold plunges】\n⏰ 14:05\n----------------\n📉 London Gold: 2300.00 (-4.2%)\n----------------\n💡 Extreme move, watch your risk."
	require.Equal(t, want, a.Text())

	a.Suggestion = ""
	require.NotContains(t, a.Text(), "💡")
}
