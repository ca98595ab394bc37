package service

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"commodity-premium-alerts/internal/alerting"
	"commodity-premium-alerts/internal/config"
	"commodity-premium-alerts/internal/fxrate"
	"commodity-premium-alerts/internal/premium"
)

const defaultDigestTemplate = `📅【{{.Title}}】{{.Date}}

1️⃣ Core
💵 {{.FXPair}}: {{fixed .FXRate 4}}{{if .FXFallback}} (default){{end}}
{{- range .Prices}}
{{.Name}}: {{fixed .Price 2}} {{.Unit}}
{{- end}}

2️⃣ Premiums
{{- range .Premiums}}
{{.Icon}} {{.Name}}: {{signed .Rate 2}}%
{{- else}}
N/A
{{- end}}

3️⃣ Ratios
{{- range .Ratios}}
⚖️ {{.Name}}: {{fixed .Value 2}}
{{- else}}
N/A
{{- end}}

4️⃣ Notes
{{- range .Notes}}
{{.}}
{{- else}}
✅ Every metric is inside its band.
{{- end}}`

// DigestPrice is one price line of the digest.
type DigestPrice struct {
	Symbol string
	Name   string
	Unit   string
	Price  decimal.Decimal
}

// DigestPremium is one premium line of the digest.
type DigestPremium struct {
	premium.Premium
	Icon string
}

// DigestData is the template input.
type DigestData struct {
	Title      string
	Date       string
	FXPair     string
	FXRate     decimal.Decimal
	FXFallback bool
	Prices     []DigestPrice
	Premiums   []DigestPremium
	Ratios     []premium.Ratio
	Notes      []string
}

var digestFuncs = template.FuncMap{
	"fixed": func(d decimal.Decimal, places int32) string { return d.StringFixed(places) },
	"signed": func(d decimal.Decimal, places int32) string {
		s := d.StringFixed(places)
		if d.IsPositive() {
			return "+" + s
		}
		return s
	},
}

// ParseDigestTemplate parses a custom template, or the built-in one when text is empty.
func ParseDigestTemplate(text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		text = defaultDigestTemplate
	}
	tmpl, err := template.New("digest").Funcs(digestFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse digest template: %w", err)
	}
	return tmpl, nil
}

// RenderDigest renders the briefing text of a snapshot.
func RenderDigest(tmpl *template.Template, data DigestData) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return b.String(), nil
}

func (s *Service) digestData(snap premium.Snapshot, fallback bool) DigestData {
	data := DigestData{
		Title:      s.briefing.Title,
		Date:       snap.At.In(s.location).Format("2006/01/02"),
		FXPair:     s.deps.FX.Pair(),
		FXRate:     snap.FXRate,
		FXFallback: fallback,
		Ratios:     snap.Ratios,
	}
	for _, code := range s.deps.Registry.Codes() {
		price, ok := snap.Price(code)
		if !ok {
			continue
		}
		sym, _ := s.deps.Registry.Lookup(code)
		if sym.Market.Domestic() {
			continue
		}
		data.Prices = append(data.Prices, DigestPrice{Symbol: code, Name: sym.DisplayName(), Unit: sym.Unit, Price: price})
	}

	var breaches []alerting.Breach
	if s.deps.Evaluator != nil {
		breaches = s.deps.Evaluator.Policy().Breaches(snap)
	}
	breached := make(map[string]bool, len(breaches))
	for _, b := range breaches {
		breached[b.ID] = true
		if b.Note == "" {
			continue
		}
		icon := "🟢"
		if b.High {
			icon = "🔴"
		}
		data.Notes = append(data.Notes, icon+" "+b.Note)
	}
	for _, p := range snap.Premiums {
		icon := "✅"
		if breached[p.Pair] {
			icon = "⚠️"
		}
		if p.Name == "" {
			p.Name = p.Pair
		}
		data.Premiums = append(data.Premiums, DigestPremium{Premium: p, Icon: icon})
	}
	return data
}

// SendDigest renders the daily briefing and sends it. It also prunes the alert
// audit trail past its retention.
func (s *Service) SendDigest(ctx context.Context) Status {
	return s.run(ctx, config.JobBriefing, func(ctx context.Context, st *Status, log zerolog.Logger) error {
		s.pruneAlerts(ctx, log)

		if s.deps.Evaluator != nil && !s.deps.Evaluator.Policy().Categories.Briefing {
			log.Info().Msg("briefing disabled")
			return nil
		}

		text, rate, err := s.Digest(ctx)
		if err != nil {
			return err
		}
		st.FXRate, st.FXSource, st.FXFallback = rate.Value, rate.Source, rate.Fallback

		alert := alerting.Alert{Key: "briefing", Category: alerting.CategoryDefault, Kind: alerting.KindInfo, Title: s.briefing.Title}
		st.Alerts = 1
		var channels []string
		switch n := s.deps.Notifier.(type) {
		case nil:
			err = alerting.ErrNotAccepted
		case *alerting.Multi:
			channels, err = n.Deliver(ctx, text)
		default:
			err = n.SendText(ctx, text)
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to send briefing")
		} else {
			st.Delivered = 1
		}
		s.audit(ctx, alert.Key, string(alert.Category), alert.Title, text, channels, err == nil)
		return nil
	})
}

// Digest renders the briefing of the current snapshot without sending it.
func (s *Service) Digest(ctx context.Context) (string, fxrate.Rate, error) {
	latest, err := s.deps.Store.LatestQuotes(ctx, s.deps.Registry.Codes())
	if err != nil {
		return "", fxrate.Rate{}, fmt.Errorf("load latest quotes: %w", err)
	}
	rate := s.deps.FX.Latest(ctx)
	snap := s.compute(latest, rate, s.now())

	tmpl, err := ParseDigestTemplate(s.briefing.Template)
	if err != nil {
		return "", rate, err
	}
	text, err := RenderDigest(tmpl, s.digestData(snap, rate.Fallback))
	return text, rate, err
}

func (s *Service) pruneAlerts(ctx context.Context, log zerolog.Logger) {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention).UTC().Truncate(time.Second)
	if err := s.deps.Store.DeleteAlertsBefore(ctx, cutoff); err != nil {
		log.Warn().Err(err).Time("cutoff", cutoff).Msg("failed to prune alert records")
	}
}
