package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"commodity-premium-alerts/internal/app"
)

var (
	exportSymbol    string
	exportPair      string
	exportRatio     string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportXLSXPath  string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a price, premium or ratio series as CSV, XLSX and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Symbol:    exportSymbol,
			Pair:      exportPair,
			Ratio:     exportRatio,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			XLSXPath:  exportXLSXPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSymbol, "symbol", "", "Symbol whose quotes to export, e.g. XAU")
	exportCmd.Flags().StringVar(&exportPair, "pair", "", "Premium pair whose history to export, e.g. GOLD")
	exportCmd.Flags().StringVar(&exportRatio, "ratio", "", "Ratio whose history to export, e.g. gold_silver")
	exportCmd.MarkFlagsMutuallyExclusive("symbol", "pair", "ratio")
	exportCmd.MarkFlagsOneRequired("symbol", "pair", "ratio")

	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportXLSXPath, "xlsx", "", "Path to write an Excel workbook")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
