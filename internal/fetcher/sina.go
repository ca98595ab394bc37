package fetcher

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"commodity-premium-alerts/internal/market"
)

const (
	sinaName           = "sina"
	defaultSinaBaseURL = "https://hq.sinajs.cn"
	defaultSinaReferer = "https://finance.sina.com.cn"
)

var sinaLine = regexp.MustCompile(`var hq_str_([A-Za-z0-9_]+)="([^"]*)";`)

// Price column per code prefix in the comma separated payload.
var defaultSinaFields = map[string]int{
	"nf_": 8,
	"hf_": 0,
	"fx_": 1,
}

// SinaOptions configure the Sina quote provider.
type SinaOptions struct {
	BaseURL   string
	Referer   string
	UserAgent string
	Timeout   time.Duration
	// Codes maps registry symbols to Sina list codes such as nf_AU0 or hf_GC.
	Codes map[string]string
	// Fields overrides the price column per code prefix.
	Fields map[string]int
}

// Sina fetches many symbols in a single hq.sinajs.cn request.
type Sina struct {
	client *resty.Client
	codes  map[string]string
	fields map[string]int
}

// NewSina builds the provider.
func NewSina(opts SinaOptions) *Sina {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultSinaBaseURL
	}
	referer := opts.Referer
	if referer == "" {
		referer = defaultSinaReferer
	}
	client := newRestyClient(baseURL, opts.Timeout, opts.UserAgent).
		SetHeader("Referer", referer)

	fields := make(map[string]int, len(defaultSinaFields)+len(opts.Fields))
	for k, v := range defaultSinaFields {
		fields[k] = v
	}
	for k, v := range opts.Fields {
		fields[k] = v
	}

	return &Sina{client: client, codes: opts.Codes, fields: fields}
}

func (s *Sina) Name() string { return sinaName }

func (s *Sina) Supports(symbol string) bool { return supported(s.codes, symbol) }

// Fetch requests all codes in one call and parses each returned line.
func (s *Sina) Fetch(ctx context.Context, symbols []string) ([]market.PriceResult, error) {
	bySymbol := make(map[string]string, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	codes := make([]string, 0, len(symbols))
	results := make([]market.PriceResult, 0, len(symbols))
	for _, sym := range symbols {
		code, ok := s.codes[sym]
		if !ok || code == "" {
			results = append(results, market.Unavailable(sym, sinaName, "symbol not mapped"))
			continue
		}
		if _, dup := seen[code]; !dup {
			seen[code] = struct{}{}
			codes = append(codes, code)
		}
		bySymbol[sym] = code
	}
	if len(codes) == 0 {
		return results, nil
	}
	sort.Strings(codes)

	resp, err := s.client.R().
		SetContext(ctx).
		Get("/list=" + strings.Join(codes, ","))
	if err != nil {
		return nil, fmt.Errorf("sina request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sina status %d", resp.StatusCode())
	}

	payload := make(map[string]string, len(codes))
	for _, m := range sinaLine.FindAllStringSubmatch(resp.String(), -1) {
		payload[m[1]] = m[2]
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("sina: no quote lines in response")
	}

	for sym, code := range bySymbol {
		body, ok := payload[code]
		if !ok {
			results = append(results, market.Unavailable(sym, sinaName, "code missing from response"))
			continue
		}
		price, err := s.parse(code, body)
		if err != nil {
			results = append(results, market.Unavailable(sym, sinaName, err.Error()))
			continue
		}
		results = append(results, market.Available(sym, sinaName, price))
	}
	return results, nil
}

func (s *Sina) parse(code, body string) (decimal.Decimal, error) {
	if strings.TrimSpace(body) == "" {
		return decimal.Decimal{}, fmt.Errorf("empty quote for %s", code)
	}
	idx := 0
	for prefix, i := range s.fields {
		if strings.HasPrefix(code, prefix) {
			idx = i
			break
		}
	}
	parts := strings.Split(body, ",")
	if idx >= len(parts) {
		return decimal.Decimal{}, fmt.Errorf("quote for %s has %d fields, want > %d", code, len(parts), idx)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(parts[idx]))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s price %q: %w", code, parts[idx], err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive price for %s", code)
	}
	return price, nil
}

var _ Provider = (*Sina)(nil)
