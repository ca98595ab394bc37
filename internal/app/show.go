package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"commodity-premium-alerts/internal/market"
	"commodity-premium-alerts/internal/premium"
	"commodity-premium-alerts/internal/storage"
)

// Show prints the latest quotes, the current metrics or recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	switch opts.What {
	case "", ShowQuotes:
		quotes, err := rt.service.LatestQuotes(ctx)
		if err != nil {
			return err
		}
		return writeQuotes(a.out(), rt.registry, quotes)
	case ShowSnapshot:
		snap, err := rt.service.Snapshot(ctx)
		if err != nil {
			return err
		}
		return writeSnapshot(a.out(), snap)
	case ShowAlerts:
		alerts, err := rt.repo.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeAlerts(a.out(), alerts)
	}
	return fmt.Errorf("unknown view %q, want %s, %s or %s", opts.What, ShowQuotes, ShowSnapshot, ShowAlerts)
}

func writeQuotes(w io.Writer, registry *market.Registry, quotes []market.Quote) error {
	if len(quotes) == 0 {
		fmt.Fprintln(w, "no quotes found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tName\tPrice\tUnit\tSource")
	for _, q := range quotes {
		name := q.Symbol
		if sym, ok := registry.Lookup(q.Symbol); ok {
			name = sym.DisplayName()
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			q.Timestamp.UTC().Format(time.RFC3339),
			q.Symbol,
			name,
			formatDecimal(q.Price, 2),
			q.Unit,
			q.Source,
		)
	}
	return writer.Flush()
}

func writeSnapshot(w io.Writer, snap premium.Snapshot) error {
	fmt.Fprintf(w, "FX %s (%s)\n\n", formatDecimal(snap.FXRate, 4), snap.FXSource)

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pair\tDomestic\tForeign\tTheoretical\tPremium%")
	for _, p := range snap.Premiums {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			p.Pair,
			formatDecimal(p.DomesticPrice, 2),
			formatDecimal(p.ForeignPrice, 2),
			formatDecimal(p.TheoreticalPrice, 2),
			formatDecimal(p.Rate, 2),
		)
	}
	if len(snap.Premiums) == 0 {
		fmt.Fprintln(writer, "-\t-\t-\t-\t-")
	}
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Ratio\tValue")
	for _, r := range snap.Ratios {
		fmt.Fprintf(writer, "%s\t%s\n", r.Name, formatDecimal(r.Value, 2))
	}
	if len(snap.Ratios) == 0 {
		fmt.Fprintln(writer, "-\t-")
	}
	return writer.Flush()
}

func writeAlerts(w io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKey\tCategory\tTitle\tChannels\tDelivered")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%t\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Key,
			alert.Category,
			sanitizeInline(alert.Title),
			strings.Join(alert.Channels, ","),
			alert.Delivered,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
