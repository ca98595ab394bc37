package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"commodity-premium-alerts/internal/alertstate"
	"commodity-premium-alerts/internal/config"
	"commodity-premium-alerts/internal/fetcher"
	"commodity-premium-alerts/internal/premium"
)

// FXKey is the alert key of the exchange-rate move condition.
const FXKey = "fx_crash"

// Band is a high/low threshold pair. An invalid bound is not watched.
type Band struct {
	ID       string
	High     decimal.NullDecimal
	Low      decimal.NullDecimal
	HighNote string
	LowNote  string
}

// Policy holds every threshold and toggle the evaluator applies.
type Policy struct {
	Enabled        bool
	Categories     config.CategoryToggles
	Cooldowns      map[Category]time.Duration
	PremiumBands   []Band
	RatioBands     []Band
	PriceChangePct decimal.Decimal
	// CrashSymbols limits the move condition; empty watches every symbol.
	CrashSymbols   []string
	FXChangePct    decimal.Decimal
	FetchFailCount int64
	Location       *time.Location
}

// PolicyFromConfig converts the alerting section into a Policy.
func PolicyFromConfig(cfg config.AlertingConfig, loc *time.Location) Policy {
	if loc == nil {
		loc = time.UTC
	}
	return Policy{
		Enabled:    cfg.Enabled,
		Categories: cfg.Categories,
		Cooldowns: map[Category]time.Duration{
			CategoryArbitrage: cfg.Cooldowns.Arbitrage,
			CategoryRatio:     cfg.Cooldowns.Ratio,
			CategoryCrash:     cfg.Cooldowns.Crash,
			CategoryDefault:   cfg.Cooldowns.Default,
		},
		PremiumBands:   bands(cfg.PremiumBands),
		RatioBands:     bands(cfg.RatioBands),
		PriceChangePct: decimal.NewFromFloat(cfg.PriceChangePct),
		CrashSymbols:   cfg.CrashSymbols,
		FXChangePct:    decimal.NewFromFloat(cfg.FXChangePct),
		FetchFailCount: cfg.FetchFailCount,
		Location:       loc,
	}
}

func bands(in []config.BandConfig) []Band {
	out := make([]Band, 0, len(in))
	for _, b := range in {
		band := Band{ID: b.ID, HighNote: b.HighNote, LowNote: b.LowNote}
		if b.High != nil {
			band.High = decimal.NewNullDecimal(decimal.NewFromFloat(*b.High))
		}
		if b.Low != nil {
			band.Low = decimal.NewNullDecimal(decimal.NewFromFloat(*b.Low))
		}
		out = append(out, band)
	}
	return out
}

// Cooldown returns the minimum gap between two alerts of one key in category.
func (p Policy) Cooldown(c Category) time.Duration {
	if d, ok := p.Cooldowns[c]; ok {
		return d
	}
	return p.Cooldowns[CategoryDefault]
}

func (p Policy) watchesSymbol(symbol string) bool {
	if len(p.CrashSymbols) == 0 {
		return true
	}
	for _, s := range p.CrashSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Breach is a metric outside its band, as seen by the digest.
type Breach struct {
	ID   string
	High bool
	Note string
}

// Breaches lists premiums and ratios outside their bands without touching any
// cooldown state.
func (p Policy) Breaches(snap premium.Snapshot) []Breach {
	var out []Breach
	check := func(b Band, v decimal.Decimal) {
		switch {
		case b.High.Valid && v.GreaterThan(b.High.Decimal):
			out = append(out, Breach{ID: b.ID, High: true, Note: b.HighNote})
		case b.Low.Valid && v.LessThan(b.Low.Decimal):
			out = append(out, Breach{ID: b.ID, Note: b.LowNote})
		}
	}
	for _, b := range p.PremiumBands {
		if m, ok := snap.Premium(b.ID); ok {
			check(b, m.Rate)
		}
	}
	for _, b := range p.RatioBands {
		if r, ok := snap.Ratio(b.ID); ok {
			check(b, r.Value)
		}
	}
	return out
}

// Move is a single-period percentage change.
type Move struct {
	Symbol   string
	Name     string
	Previous decimal.Decimal
	Current  decimal.Decimal
	Pct      decimal.Decimal
}

// NewMove derives the change from previous to current; false when previous
// is not positive.
func NewMove(symbol, name string, previous, current decimal.Decimal) (Move, bool) {
	pct, ok := premium.ChangePct(previous, current)
	if !ok {
		return Move{}, false
	}
	if name == "" {
		name = symbol
	}
	return Move{Symbol: symbol, Name: name, Previous: previous, Current: current, Pct: pct}, true
}

// Inputs is what one evaluation cycle looks at.
type Inputs struct {
	Snapshot premium.Snapshot
	Moves    []Move
	FXMove   *Move
}

// Evaluator turns metrics into alerts. Each alert key is Idle until it
// fires, then Cooling for its category's cooldown; the transition is taken in
// the state store before anything is sent, whatever the send outcome.
type Evaluator struct {
	policy Policy
	state  alertstate.Store
	logger zerolog.Logger
}

// NewEvaluator builds an evaluator over a shared state store.
func NewEvaluator(policy Policy, state alertstate.Store, logger zerolog.Logger) *Evaluator {
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	return &Evaluator{
		policy: policy,
		state:  state,
		logger: logger.With().Str("component", "evaluator").Logger(),
	}
}

// Policy returns the active policy.
func (e *Evaluator) Policy() Policy { return e.policy }

// Evaluate checks premium bands, ratio bands, price moves and the FX move and
// returns every alert that left the Idle state in this cycle.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time, in Inputs) []Alert {
	if !e.policy.Enabled {
		return nil
	}
	now = now.In(e.policy.Location)

	var alerts []Alert
	if e.policy.Categories.Arbitrage {
		alerts = append(alerts, e.premiumAlerts(ctx, now, in.Snapshot)...)
	}
	if e.policy.Categories.Ratio {
		alerts = append(alerts, e.ratioAlerts(ctx, now, in.Snapshot)...)
	}
	if e.policy.Categories.Crash {
		alerts = append(alerts, e.moveAlerts(ctx, now, in.Moves)...)
	}
	if e.policy.Categories.FXCrash && in.FXMove != nil {
		if a, ok := e.fxAlert(ctx, now, *in.FXMove); ok {
			alerts = append(alerts, a)
		}
	}
	return alerts
}

func (e *Evaluator) premiumAlerts(ctx context.Context, now time.Time, snap premium.Snapshot) []Alert {
	var alerts []Alert
	for _, band := range e.policy.PremiumBands {
		p, ok := snap.Premium(band.ID)
		if !ok {
			continue
		}
		name := p.Name
		if name == "" {
			name = p.Pair
		}
		lines := []string{
			"🇨🇳 Domestic: " + p.DomesticPrice.StringFixed(2),
			"🌍 Theoretical: " + p.TheoreticalPrice.StringFixed(2),
			"📊 Premium: " + signed(p.Rate, 2) + "%",
			"💵 FX: " + p.FXRate.StringFixed(4),
		}
		base := strings.ToLower(band.ID) + "_prem"

		switch {
		case band.High.Valid && p.Rate.GreaterThan(band.High.Decimal):
			alerts = e.fire(ctx, alerts, Alert{
				Key:        base + "_high",
				Category:   CategoryArbitrage,
				Kind:       KindOpportunity,
				Title:      fmt.Sprintf("%s above %s%%", name, band.High.Decimal.String()),
				Lines:      lines,
				Suggestion: band.HighNote,
				Timestamp:  now,
			})
		case band.Low.Valid && p.Rate.LessThan(band.Low.Decimal):
			alerts = e.fire(ctx, alerts, Alert{
				Key:        base + "_low",
				Category:   CategoryArbitrage,
				Kind:       KindOpportunity,
				Title:      fmt.Sprintf("%s below %s%%", name, band.Low.Decimal.String()),
				Lines:      lines,
				Suggestion: band.LowNote,
				Timestamp:  now,
			})
		}
	}
	return alerts
}

func (e *Evaluator) ratioAlerts(ctx context.Context, now time.Time, snap premium.Snapshot) []Alert {
	var alerts []Alert
	for _, band := range e.policy.RatioBands {
		r, ok := snap.Ratio(band.ID)
		if !ok {
			continue
		}
		name := r.Name
		if name == "" {
			name = r.ID
		}
		base := strings.ToLower(band.ID) + "_ratio"

		switch {
		case band.High.Valid && r.Value.GreaterThan(band.High.Decimal):
			alerts = e.fire(ctx, alerts, Alert{
				Key:      base + "_high",
				Category: CategoryRatio,
				Kind:     KindRotation,
				Title:    name + " ratio high",
				Lines: []string{
					"⚖️ " + name + ": " + r.Value.StringFixed(2),
					"(above " + band.High.Decimal.String() + ")",
				},
				Suggestion: band.HighNote,
				Timestamp:  now,
			})
		case band.Low.Valid && r.Value.LessThan(band.Low.Decimal):
			alerts = e.fire(ctx, alerts, Alert{
				Key:      base + "_low",
				Category: CategoryRatio,
				Kind:     KindRotation,
				Title:    name + " ratio low",
				Lines: []string{
					"⚖️ " + name + ": " + r.Value.StringFixed(2),
					"(below " + band.Low.Decimal.String() + ")",
				},
				Suggestion: band.LowNote,
				Timestamp:  now,
			})
		}
	}
	return alerts
}

func (e *Evaluator) moveAlerts(ctx context.Context, now time.Time, moves []Move) []Alert {
	if !e.policy.PriceChangePct.IsPositive() {
		return nil
	}
	var alerts []Alert
	for _, m := range moves {
		if !e.policy.watchesSymbol(m.Symbol) || m.Pct.Abs().LessThan(e.policy.PriceChangePct) {
			continue
		}
		direction, marker := "plunges", "📉"
		if m.Pct.IsPositive() {
			direction, marker = "surges", "📈"
		}
		alerts = e.fire(ctx, alerts, Alert{
			Key:      "crash_" + m.Symbol,
			Category: CategoryCrash,
			Kind:     KindCrash,
			Title:    m.Name + " " + direction,
			Lines: []string{
				fmt.Sprintf("%s %s: %s (%s%%)", marker, m.Name, m.Current.StringFixed(2), signed(m.Pct, 1)),
			},
			Suggestion: "Extreme move, watch your risk.",
			Timestamp:  now,
		})
	}
	return alerts
}

func (e *Evaluator) fxAlert(ctx context.Context, now time.Time, m Move) (Alert, bool) {
	if !e.policy.FXChangePct.IsPositive() || m.Pct.Abs().LessThan(e.policy.FXChangePct) {
		return Alert{}, false
	}
	direction := "drops"
	if m.Pct.IsPositive() {
		direction = "jumps"
	}
	alert := Alert{
		Key:      FXKey,
		Category: CategoryCrash,
		Kind:     KindCrash,
		Title:    m.Name + " " + direction,
		Lines: []string{
			fmt.Sprintf("💵 %s: %s (%s%%)", m.Name, m.Current.StringFixed(4), signed(m.Pct, 2)),
		},
		Suggestion: "FX moved sharply; recheck every premium.",
		Timestamp:  now,
	}
	if !e.acquire(ctx, alert, now) {
		return Alert{}, false
	}
	return alert, true
}

// EvaluateHealth raises one system alert per failure incident: once a source
// reaches the failure threshold the incident is claimed, and only a later
// success (which resets the counter) lets the next incident alert again.
func (e *Evaluator) EvaluateHealth(ctx context.Context, now time.Time, outcomes []fetcher.SourceOutcome) []Alert {
	if !e.policy.Enabled || !e.policy.Categories.FetchFail || e.policy.FetchFailCount <= 0 {
		return nil
	}
	now = now.In(e.policy.Location)

	var alerts []Alert
	for _, o := range outcomes {
		if o.Failures < e.policy.FetchFailCount {
			continue
		}
		claimed, err := e.state.IncidentClaimed(ctx, o.Source)
		if err != nil {
			e.logger.Error().Err(err).Str("source", o.Source).Msg("read incident state")
			continue
		}
		if claimed {
			continue
		}

		alert := Alert{
			Key:      "fetch_fail_" + o.Source,
			Category: CategoryDefault,
			Kind:     KindSystem,
			Title:    "Data source failing",
			Lines: []string{
				"❌ Source: " + o.Source,
				fmt.Sprintf("❌ Consecutive failures: %d", o.Failures),
			},
			Suggestion: "Quotes may be stale; check the source.",
			Timestamp:  now,
		}
		if !e.acquire(ctx, alert, now) {
			continue
		}
		if _, err := e.state.ClaimIncident(ctx, o.Source); err != nil {
			e.logger.Error().Err(err).Str("source", o.Source).Msg("claim incident")
		}
		alerts = append(alerts, alert)
	}
	return alerts
}

func (e *Evaluator) fire(ctx context.Context, alerts []Alert, alert Alert) []Alert {
	if e.acquire(ctx, alert, alert.Timestamp) {
		alerts = append(alerts, alert)
	}
	return alerts
}

// acquire moves the key from Idle to Cooling. A state store error suppresses
// the alert.
func (e *Evaluator) acquire(ctx context.Context, alert Alert, now time.Time) bool {
	ok, err := e.state.TryAcquire(ctx, alert.Key, now, e.policy.Cooldown(alert.Category))
	if err != nil {
		e.logger.Error().Err(err).Str("key", alert.Key).Msg("acquire cooldown")
		return false
	}
	if !ok {
		e.logger.Debug().Str("key", alert.Key).Msg("alert cooling down")
	}
	return ok
}

// Delivery is the outcome of sending one alert.
type Delivery struct {
	Alert    Alert
	Channels []string
	Err      error
}

// Delivered reports whether any channel accepted the alert.
func (d Delivery) Delivered() bool { return d.Err == nil }

type deliverer interface {
	Deliver(ctx context.Context, text string) ([]string, error)
}

// Dispatch sends alerts one by one. A failed send is logged and never retried:
// the key stays Cooling until its cooldown expires.
func (e *Evaluator) Dispatch(ctx context.Context, n Notifier, alerts []Alert) []Delivery {
	out := make([]Delivery, 0, len(alerts))
	for _, a := range alerts {
		d := Delivery{Alert: a}
		if n == nil {
			d.Err = ErrNotAccepted
		} else if multi, ok := n.(deliverer); ok {
			d.Channels, d.Err = multi.Deliver(ctx, a.Text())
		} else {
			d.Err = n.SendText(ctx, a.Text())
		}

		if d.Err != nil {
			e.logger.Error().Err(d.Err).Str("key", a.Key).Msg("告警发送失败")
		} else {
			e.logger.Info().Str("key", a.Key).Strs("channels", d.Channels).Msg("告警已发送")
		}
		out = append(out, d)
	}
	return out
}

func signed(d decimal.Decimal, places int32) string {
	s := d.StringFixed(places)
	if d.IsPositive() {
		return "+" + s
	}
	return s
}
