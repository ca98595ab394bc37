package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"commodity-premium-alerts/internal/market"
	"commodity-premium-alerts/internal/service"
)

// ExportOptions hold parameters for exporting historical series. Exactly one
// of Symbol, Pair or Ratio selects the series.
type ExportOptions struct {
	Symbol    string
	Pair      string
	Ratio     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	XLSXPath  string
	MaxPoints int
}

// Views understood by Show.
const (
	ShowQuotes   = "quotes"
	ShowSnapshot = "snapshot"
	ShowAlerts   = "alerts"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	What  string
	Limit int
}

func (a *App) out() io.Writer {
	if a.Out != nil {
		return a.Out
	}
	return os.Stdout
}

// Fetch runs one fetch cycle for scope and prints what was recorded.
func (a *App) Fetch(ctx context.Context, scope market.Scope) error {
	return a.once(ctx, func(ctx context.Context, svc *service.Service) service.Status {
		return svc.Fetch(ctx, scope)
	})
}

// RefreshFX forces a live exchange rate refresh.
func (a *App) RefreshFX(ctx context.Context) error {
	return a.once(ctx, func(ctx context.Context, svc *service.Service) service.Status {
		return svc.RefreshFXRate(ctx)
	})
}

// Compute runs one metric and alert cycle over the persisted quotes.
func (a *App) Compute(ctx context.Context) error {
	return a.once(ctx, func(ctx context.Context, svc *service.Service) service.Status {
		return svc.ComputeAndEvaluate(ctx)
	})
}

// CollectBars records the recent daily bars of every symbol.
func (a *App) CollectBars(ctx context.Context) error {
	return a.once(ctx, func(ctx context.Context, svc *service.Service) service.Status {
		return svc.CollectDailyBars(ctx)
	})
}

// Digest prints the briefing, or sends it through the alert channels.
func (a *App) Digest(ctx context.Context, send bool) error {
	if send {
		return a.once(ctx, func(ctx context.Context, svc *service.Service) service.Status {
			return svc.SendDigest(ctx)
		})
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	text, _, err := rt.service.Digest(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out(), text)
	return nil
}

func (a *App) once(ctx context.Context, fn func(context.Context, *service.Service) service.Status) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	st := fn(ctx, rt.service)
	writeStatus(a.out(), st)
	return st.Err
}

func writeStatus(w io.Writer, st service.Status) {
	fmt.Fprintf(w, "job %s run %s", st.Job, st.RunID)
	if st.Skipped {
		fmt.Fprintln(w, ": skipped, lock held elsewhere")
		return
	}
	fmt.Fprintf(w, " (%s)\n", st.Duration.Round(time.Millisecond))

	if st.Fetched > 0 || len(st.Unavailable) > 0 {
		fmt.Fprintf(w, "  fetched: %d\n", st.Fetched)
		symbols := make([]string, 0, len(st.Unavailable))
		for s := range st.Unavailable {
			symbols = append(symbols, s)
		}
		sort.Strings(symbols)
		for _, s := range symbols {
			fmt.Fprintf(w, "  unavailable: %s (%s)\n", s, st.Unavailable[s])
		}
	}
	if !st.FXRate.IsZero() {
		source := st.FXSource
		if st.FXFallback {
			source = "fallback"
		}
		fmt.Fprintf(w, "  fx: %s (%s)\n", formatDecimal(st.FXRate, 4), source)
	}
	if st.Premiums > 0 || st.Ratios > 0 {
		fmt.Fprintf(w, "  premiums: %d, ratios: %d\n", st.Premiums, st.Ratios)
	}
	if st.Bars > 0 {
		fmt.Fprintf(w, "  bars: %d\n", st.Bars)
	}
	if st.Alerts > 0 {
		fmt.Fprintf(w, "  alerts: %d, delivered: %d\n", st.Alerts, st.Delivered)
	}
	if st.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", st.Err)
	}
}
