package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"commodity-premium-alerts/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:       "show [quotes|snapshot|alerts]",
	Short:     "Display latest quotes, current metrics or recent alerts",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{app.ShowQuotes, app.ShowSnapshot, app.ShowAlerts},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			What:  app.ShowQuotes,
			Limit: showLimit,
		}
		if len(args) == 1 {
			opts.What = args[0]
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
}
