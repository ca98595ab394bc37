package cli

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"commodity-premium-alerts/internal/app"
)

var (
	simulatePrices []string
	simulateFX     float64
	simulateAll    bool
	simulateDryRun bool
)

var simulateCmd = &cobra.Command{
	Use:     "simulate-alert",
	Short:   "用给定价格模拟一次告警判定",
	Example: "  premiumwatch simulate-alert --price SHFE.AU=520 --price XAU=2400 --fx 7.2 --all --dry-run",
	RunE: func(cmd *cobra.Command, args []string) error {
		prices, err := parsePrices(simulatePrices)
		if err != nil {
			return err
		}
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Prices:        prices,
			FXRate:        decimal.NewFromFloat(simulateFX),
			AllCategories: simulateAll,
			DryRun:        simulateDryRun,
		})
	},
}

var testAlertCmd = &cobra.Command{
	Use:   "test-alert",
	Short: "发送一条测试消息验证告警通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TestAlert(cmd.Context())
	},
}

// parsePrices reads SYMBOL=PRICE pairs.
func parsePrices(raw []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for _, kv := range raw {
		symbol, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(symbol) == "" {
			return nil, fmt.Errorf("--price %q: want SYMBOL=PRICE", kv)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("--price %q: %w", kv, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("--price %q: 价格必须大于 0", kv)
		}
		out[strings.TrimSpace(symbol)] = price
	}
	return out, nil
}

func init() {
	simulateCmd.Flags().StringArrayVar(&simulatePrices, "price", nil, "SYMBOL=PRICE, repeatable")
	simulateCmd.Flags().Float64Var(&simulateFX, "fx", 0, "汇率，缺省使用 fx.default_rate")
	simulateCmd.Flags().BoolVar(&simulateAll, "all", false, "忽略类别开关，评估全部告警类型")
	simulateCmd.Flags().BoolVar(&simulateDryRun, "dry-run", false, "只打印告警，不推送")
}
