package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"commodity-premium-alerts/internal/market"
)

const (
	yahooName           = "yahoo"
	defaultYahooBaseURL = "https://query1.finance.yahoo.com"
	defaultConcurrency  = 4
)

// YahooOptions configure the Yahoo chart provider.
type YahooOptions struct {
	BaseURL     string
	UserAgent   string
	Timeout     time.Duration
	Concurrency int
	// Tickers maps registry symbols to Yahoo tickers such as GC=F.
	Tickers map[string]string
}

// Yahoo asks the chart endpoint once per symbol.
type Yahoo struct {
	client      *resty.Client
	tickers     map[string]string
	concurrency int
}

type yahooChartResult struct {
	Meta struct {
		Symbol             string          `json:"symbol"`
		RegularMarketPrice decimal.Decimal `json:"regularMarketPrice"`
		GMTOffset          int             `json:"gmtoffset"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []decimal.Decimal `json:"open"`
			High   []decimal.Decimal `json:"high"`
			Low    []decimal.Decimal `json:"low"`
			Close  []decimal.Decimal `json:"close"`
			Volume []int64           `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

type yahooChartResponse struct {
	Chart struct {
		Result []yahooChartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// NewYahoo builds the provider.
func NewYahoo(opts YahooOptions) *Yahoo {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultYahooBaseURL
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Yahoo{
		client:      newRestyClient(baseURL, opts.Timeout, opts.UserAgent),
		tickers:     opts.Tickers,
		concurrency: concurrency,
	}
}

func (y *Yahoo) Name() string { return yahooName }

func (y *Yahoo) Supports(symbol string) bool { return supported(y.tickers, symbol) }

// Fetch fans out one request per symbol. A failed request marks only its own
// symbol unavailable; the call itself errors only when every request failed.
func (y *Yahoo) Fetch(ctx context.Context, symbols []string) ([]market.PriceResult, error) {
	results := make([]market.PriceResult, len(symbols))
	errs := make([]error, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(y.concurrency)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			ticker, ok := y.tickers[sym]
			if !ok || ticker == "" {
				results[i] = market.Unavailable(sym, yahooName, "symbol not mapped")
				return nil
			}
			price, err := y.fetchOne(gctx, ticker)
			if err != nil {
				errs[i] = err
				results[i] = market.Unavailable(sym, yahooName, err.Error())
				return nil
			}
			results[i] = market.Available(sym, yahooName, price)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	var last error
	for _, err := range errs {
		if err != nil {
			failed++
			last = err
		}
	}
	if len(symbols) > 0 && failed == len(symbols) {
		return nil, last
	}
	return results, nil
}

func (y *Yahoo) fetchOne(ctx context.Context, ticker string) (decimal.Decimal, error) {
	result, err := y.chart(ctx, ticker, "1d")
	if err != nil {
		return decimal.Decimal{}, err
	}
	price := result.Meta.RegularMarketPrice
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("yahoo %s: no market price", ticker)
	}
	return price, nil
}

func (y *Yahoo) chart(ctx context.Context, ticker, window string) (yahooChartResult, error) {
	var body yahooChartResponse
	resp, err := y.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"range": window, "interval": "1d"}).
		SetResult(&body).
		ForceContentType("application/json").
		Get("/v8/finance/chart/" + url.PathEscape(ticker))
	if err != nil {
		return yahooChartResult{}, fmt.Errorf("yahoo %s: %w", ticker, err)
	}
	if resp.IsError() {
		return yahooChartResult{}, fmt.Errorf("yahoo %s: status %d", ticker, resp.StatusCode())
	}
	if body.Chart.Error != nil {
		return yahooChartResult{}, fmt.Errorf("yahoo %s: %s", ticker, body.Chart.Error.Description)
	}
	if len(body.Chart.Result) == 0 {
		return yahooChartResult{}, fmt.Errorf("yahoo %s: empty result", ticker)
	}
	return body.Chart.Result[0], nil
}

// DailyBars returns up to days daily bars of symbol, oldest first. Days
// without a close are skipped.
func (y *Yahoo) DailyBars(ctx context.Context, symbol string, days int) ([]market.DailyBar, error) {
	ticker, ok := y.tickers[symbol]
	if !ok || ticker == "" {
		return nil, fmt.Errorf("yahoo: symbol %s not mapped", symbol)
	}
	result, err := y.chart(ctx, ticker, yahooRange(days))
	if err != nil {
		return nil, err
	}
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yahoo %s: no daily quotes", ticker)
	}

	q := result.Indicators.Quote[0]
	loc := time.FixedZone(ticker, result.Meta.GMTOffset)
	bars := make([]market.DailyBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(q.Close) || !q.Close[i].IsPositive() {
			continue
		}
		bar := market.DailyBar{
			Symbol: symbol,
			Day:    market.DayOf(time.Unix(ts, 0), loc),
			Open:   valueAt(q.Open, i),
			High:   valueAt(q.High, i),
			Low:    valueAt(q.Low, i),
			Close:  q.Close[i],
			Source: yahooName,
		}
		if i < len(q.Volume) {
			bar.Volume = q.Volume[i]
		}
		bars = append(bars, bar)
	}
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

func valueAt(values []decimal.Decimal, i int) decimal.Decimal {
	if i < len(values) {
		return values[i]
	}
	return decimal.Zero
}

// yahooRange picks the smallest chart range covering days.
func yahooRange(days int) string {
	switch {
	case days <= 5:
		return "5d"
	case days <= 31:
		return "1mo"
	case days <= 92:
		return "3mo"
	case days <= 183:
		return "6mo"
	default:
		return "1y"
	}
}

var (
	_ Provider    = (*Yahoo)(nil)
	_ BarProvider = (*Yahoo)(nil)
)
