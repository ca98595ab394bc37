package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"commodity-premium-alerts/internal/market"
)

var (
	fetchScope string
	digestSend bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch quotes once and persist them",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope := market.Scope(fetchScope)
		switch scope {
		case market.ScopeDomestic, market.ScopeInternational, market.ScopeAll:
		default:
			return fmt.Errorf("--scope must be domestic, international or all, got %q", fetchScope)
		}
		return getApp().Fetch(cmd.Context(), scope)
	},
}

var fxCmd = &cobra.Command{
	Use:   "fx",
	Short: "Refresh the exchange rate from live sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RefreshFX(cmd.Context())
	},
}

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute premiums and ratios from stored quotes and evaluate alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Compute(cmd.Context())
	},
}

var barsCmd = &cobra.Command{
	Use:   "bars",
	Short: "Record recent daily OHLC bars for every symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CollectBars(cmd.Context())
	},
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Render the daily briefing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Digest(cmd.Context(), digestSend)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchScope, "scope", string(market.ScopeAll), "Symbols to fetch: domestic, international or all")
	digestCmd.Flags().BoolVar(&digestSend, "send", false, "Send the briefing through the alert channels instead of printing it")
}
