package fetcher

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"commodity-premium-alerts/internal/market"
)

// Provider retrieves quotes for a batch of symbols from one upstream source.
//
// A non-nil error means the whole call failed (network, timeout, malformed
// payload) and may be retried. Per-symbol problems are reported as
// market.Unavailable results instead.
type Provider interface {
	Name() string
	Supports(symbol string) bool
	Fetch(ctx context.Context, symbols []string) ([]market.PriceResult, error)
}

// BarProvider serves daily OHLC history.
type BarProvider interface {
	Name() string
	Supports(symbol string) bool
	DailyBars(ctx context.Context, symbol string, days int) ([]market.DailyBar, error)
}

const defaultTimeout = 10 * time.Second

func newRestyClient(baseURL string, timeout time.Duration, userAgent string) *resty.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)
	if ua := strings.TrimSpace(userAgent); ua != "" {
		client.SetHeader("User-Agent", ua)
	} else {
		client.SetHeader("User-Agent", "premiumwatch/1.0")
	}
	return client
}

func supported(codes map[string]string, symbol string) bool {
	code, ok := codes[symbol]
	return ok && strings.TrimSpace(code) != ""
}
