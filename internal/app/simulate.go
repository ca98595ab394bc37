package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"commodity-premium-alerts/internal/alerting"
	"commodity-premium-alerts/internal/alertstate"
	"commodity-premium-alerts/internal/convert"
	"commodity-premium-alerts/internal/premium"
)

// SimulateOptions describe a hypothetical market state.
type SimulateOptions struct {
	Prices map[string]decimal.Decimal
	FXRate decimal.Decimal
	// AllCategories evaluates every alert family regardless of the toggles.
	AllCategories bool
	// DryRun prints the alerts instead of sending them.
	DryRun bool
}

// SimulateAlert 用给定价格与汇率跑一次完整的告警判定并推送结果。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if len(opts.Prices) == 0 {
		return errors.New("至少需要一个 --price 参数")
	}
	if !opts.FXRate.IsPositive() {
		opts.FXRate = decimal.NewFromFloat(a.Config.FX.DefaultRate)
	}

	registry, err := a.Config.Registry()
	if err != nil {
		return err
	}
	for symbol := range opts.Prices {
		if _, ok := registry.Lookup(symbol); !ok {
			return fmt.Errorf("unknown symbol %q", symbol)
		}
	}

	calculator := premium.NewCalculator(convert.New(registry.Strategies()), a.Config.PremiumPairs, a.Config.Ratios)
	snap := calculator.Compute(opts.Prices, opts.FXRate, time.Now())
	snap.FXSource = "simulated"

	policy := alerting.PolicyFromConfig(a.Config.Alerting, a.Config.Location())
	if opts.AllCategories {
		policy.Categories.Arbitrage = true
		policy.Categories.Ratio = true
	}
	// A fresh state store so earlier cooldowns never hide the result.
	evaluator := alerting.NewEvaluator(policy, alertstate.NewMemory(), a.Logger)
	alerts := evaluator.Evaluate(ctx, time.Now(), alerting.Inputs{Snapshot: snap})

	out := a.out()
	for _, p := range snap.Premiums {
		fmt.Fprintf(out, "%s: theoretical %s, premium %s%%\n", p.Pair, formatDecimal(p.TheoreticalPrice, 2), formatDecimal(p.Rate, 2))
	}
	for _, r := range snap.Ratios {
		fmt.Fprintf(out, "%s: %s\n", r.Name, formatDecimal(r.Value, 2))
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alert triggered")
		return nil
	}

	if opts.DryRun {
		for _, alert := range alerts {
			fmt.Fprintf(out, "\n%s\n", alert.Text())
		}
		return nil
	}

	notifier := a.newNotifier()
	if len(notifier.Channels()) == 0 {
		return errors.New("未配置任何告警通道")
	}
	var failed int
	for _, d := range evaluator.Dispatch(ctx, notifier, alerts) {
		if !d.Delivered() {
			failed++
			a.Logger.Error().Err(d.Err).Str("key", d.Alert.Key).Msg("simulated alert not delivered")
			continue
		}
		fmt.Fprintf(out, "sent %s via %v\n", d.Alert.Key, d.Channels)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d alerts not delivered", failed, len(alerts))
	}
	return nil
}

// TestAlert 发送一条测试消息以验证告警通道配置。
func (a *App) TestAlert(ctx context.Context) error {
	notifier := a.newNotifier()
	if len(notifier.Channels()) == 0 {
		return errors.New("未配置任何告警通道")
	}

	alert := alerting.Alert{
		Key:        "test",
		Category:   alerting.CategoryDefault,
		Kind:       alerting.KindSystem,
		Title:      "Test alert",
		Lines:      []string{"Channels: " + fmt.Sprint(notifier.Channels())},
		Suggestion: "No action needed.",
		Timestamp:  time.Now().In(a.Config.Location()),
	}
	channels, err := notifier.Deliver(ctx, alert.Text())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out(), "test alert delivered via %v\n", channels)
	return nil
}
