package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"commodity-premium-alerts/internal/market"
	"commodity-premium-alerts/internal/premium"
	"commodity-premium-alerts/internal/storage"
)

const (
	defaultHistoryDays = 30
	maxHistoryDays     = 365
)

// Source is the read side the API exposes.
type Source interface {
	Snapshot(ctx context.Context) (premium.Snapshot, error)
	LatestQuotes(ctx context.Context) ([]market.Quote, error)
	Health(ctx context.Context) (map[string]int64, error)
	MetricHistory(ctx context.Context, kind, key string, from, to time.Time) ([]storage.MetricRecord, error)
	DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]market.DailyBar, error)
}

type handler struct {
	src    Source
	logger zerolog.Logger
	now    func() time.Time
}

// NewRouter wires the read-only routes.
func NewRouter(src Source, mode string, logger zerolog.Logger) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	h := &handler{src: src, logger: logger.With().Str("component", "api").Logger(), now: time.Now}

	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())

	r.GET("/healthz", h.health)
	api := r.Group("/api")
	{
		api.GET("/snapshot", h.snapshot)
		api.GET("/prices/latest", h.latestPrices)
		api.GET("/premiums/history", h.premiumHistory)
		api.GET("/ratios/history", h.ratioHistory)
		api.GET("/bars", h.bars)
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

func (h *handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (h *handler) health(c *gin.Context) {
	failures, err := h.src.Health(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "failures": failures})
}

type premiumView struct {
	Pair             string          `json:"pair"`
	Name             string          `json:"name"`
	Domestic         string          `json:"domestic"`
	Foreign          string          `json:"foreign"`
	DomesticPrice    decimal.Decimal `json:"domestic_price"`
	ForeignPrice     decimal.Decimal `json:"foreign_price"`
	TheoreticalPrice decimal.Decimal `json:"theoretical_price"`
	Rate             decimal.Decimal `json:"premium_rate"`
}

type ratioView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Value       decimal.Decimal `json:"value"`
	Denominator string          `json:"denominator,omitempty"`
}

type snapshotView struct {
	At       time.Time                  `json:"at"`
	FXRate   decimal.Decimal            `json:"fx_rate"`
	FXSource string                     `json:"fx_source"`
	Prices   map[string]decimal.Decimal `json:"prices"`
	Premiums []premiumView              `json:"premiums"`
	Ratios   []ratioView                `json:"ratios"`
}

func (h *handler) snapshot(c *gin.Context) {
	snap, err := h.src.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	view := snapshotView{
		At:       snap.At.UTC(),
		FXRate:   snap.FXRate,
		FXSource: snap.FXSource,
		Prices:   snap.Prices,
		Premiums: make([]premiumView, 0, len(snap.Premiums)),
		Ratios:   make([]ratioView, 0, len(snap.Ratios)),
	}
	for _, p := range snap.Premiums {
		view.Premiums = append(view.Premiums, premiumView{
			Pair:             p.Pair,
			Name:             p.Name,
			Domestic:         p.Domestic,
			Foreign:          p.Foreign,
			DomesticPrice:    p.DomesticPrice,
			ForeignPrice:     p.ForeignPrice,
			TheoreticalPrice: p.TheoreticalPrice,
			Rate:             p.Rate,
		})
	}
	for _, r := range snap.Ratios {
		view.Ratios = append(view.Ratios, ratioView{ID: r.ID, Name: r.Name, Value: r.Value, Denominator: r.Denominator})
	}
	c.JSON(http.StatusOK, view)
}

type quoteView struct {
	Symbol    string           `json:"symbol"`
	Price     decimal.Decimal  `json:"price"`
	Unit      string           `json:"unit"`
	Market    market.Market    `json:"market"`
	Source    string           `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
	PriceCNY  *decimal.Decimal `json:"price_cny,omitempty"`
}

func (h *handler) latestPrices(c *gin.Context) {
	quotes, err := h.src.LatestQuotes(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]quoteView, 0, len(quotes))
	for _, q := range quotes {
		v := quoteView{
			Symbol:    q.Symbol,
			Price:     q.Price,
			Unit:      q.Unit,
			Market:    q.Market,
			Source:    q.Source,
			Timestamp: q.Timestamp.UTC(),
		}
		if !q.PriceCNY.IsZero() {
			cny := q.PriceCNY
			v.PriceCNY = &cny
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"quotes": out})
}

type premiumPointView struct {
	Timestamp        time.Time       `json:"timestamp"`
	DomesticPrice    decimal.Decimal `json:"domestic_price"`
	TheoreticalPrice decimal.Decimal `json:"theoretical_price"`
	Rate             decimal.Decimal `json:"premium_rate"`
	FXRate           decimal.Decimal `json:"fx_rate"`
}

type ratioPointView struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

type barView struct {
	Day    string          `json:"day"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
	Source string          `json:"source"`
}

// historyWindow reads the required key parameter and the days lookback.
func (h *handler) historyWindow(c *gin.Context, param string) (key string, from, to time.Time, ok bool) {
	key = strings.TrimSpace(c.Query(param))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": param + " is required"})
		return "", from, to, false
	}
	days, err := strconv.Atoi(c.DefaultQuery("days", strconv.Itoa(defaultHistoryDays)))
	if err != nil || days < 1 || days > maxHistoryDays {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 365"})
		return "", from, to, false
	}
	to = h.now().UTC()
	return key, to.AddDate(0, 0, -days), to, true
}

func (h *handler) premiumHistory(c *gin.Context) {
	pair, from, to, ok := h.historyWindow(c, "pair")
	if !ok {
		return
	}
	pair = strings.ToUpper(pair)
	records, err := h.src.MetricHistory(c.Request.Context(), storage.MetricPremium, pair, from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	data := make([]premiumPointView, 0, len(records))
	for _, r := range records {
		data = append(data, premiumPointView{
			Timestamp:        r.Bucket.UTC(),
			DomesticPrice:    r.DomesticPrice,
			TheoreticalPrice: r.TheoreticalPrice,
			Rate:             r.Value,
			FXRate:           r.FXRate,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pair": pair, "count": len(data), "data": data})
}

func (h *handler) ratioHistory(c *gin.Context) {
	ratio, from, to, ok := h.historyWindow(c, "ratio")
	if !ok {
		return
	}
	records, err := h.src.MetricHistory(c.Request.Context(), storage.MetricRatio, ratio, from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	data := make([]ratioPointView, 0, len(records))
	for _, r := range records {
		data = append(data, ratioPointView{Timestamp: r.Bucket.UTC(), Value: r.Value})
	}
	c.JSON(http.StatusOK, gin.H{"ratio": ratio, "count": len(data), "data": data})
}

func (h *handler) bars(c *gin.Context) {
	symbol, from, to, ok := h.historyWindow(c, "symbol")
	if !ok {
		return
	}
	bars, err := h.src.DailyBars(c.Request.Context(), symbol, from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	data := make([]barView, 0, len(bars))
	for _, b := range bars {
		data = append(data, barView{
			Day:    b.Day.Format("2006-01-02"),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
			Source: b.Source,
		})
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "count": len(data), "data": data})
}

func (h *handler) fail(c *gin.Context, err error) {
	h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, addr string, router http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
