package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"commodity-premium-alerts/internal/alertstate"
	"commodity-premium-alerts/internal/market"
)

type fakeProvider struct {
	name     string
	supports map[string]bool
	prices   map[string]string
	// failCalls makes the first n calls return a transport error.
	failCalls int

	mu    sync.Mutex
	calls [][]string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(symbol string) bool {
	if f.supports == nil {
		return true
	}
	return f.supports[symbol]
}

func (f *fakeProvider) Fetch(_ context.Context, symbols []string) ([]market.PriceResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), symbols...))
	n := len(f.calls)
	f.mu.Unlock()

	if n <= f.failCalls {
		return nil, errors.New("connection reset")
	}
	out := make([]market.PriceResult, 0, len(symbols))
	for _, s := range symbols {
		p, ok := f.prices[s]
		if !ok {
			out = append(out, market.Unavailable(s, f.name, "no data"))
			continue
		}
		out = append(out, market.Available(s, f.name, decimal.RequireFromString(p)))
	}
	return out, nil
}

func (f *fakeProvider) requested() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, call := range f.calls {
		for _, s := range call {
			counts[s]++
		}
	}
	return counts
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordedSleeps) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for _, d := range r.delays {
		sum += d
	}
	return sum
}

func testRegistry(t *testing.T) *market.Registry {
	t.Helper()
	reg, err := market.NewRegistry(market.DefaultSymbols())
	require.NoError(t, err)
	return reg
}

func TestFetchBatchBackupNeverAskedForResolvedSymbols(t *testing.T) {
	primary := &fakeProvider{name: "primary", prices: map[string]string{"XAU": "2650.5"}}
	backup := &fakeProvider{name: "backup", prices: map[string]string{"XAU": "1", "XAG": "31.2"}}
	sleeps := &recordedSleeps{}

	f := New([]Provider{primary, backup}, testRegistry(t), nil,
		Backoff{Attempts: 3, BaseDelay: time.Second, Sleep: sleeps.sleep}, zerolog.Nop())

	batch, err := f.FetchBatch(context.Background(), []string{"XAU", "XAG"})
	require.NoError(t, err)

	require.Zero(t, backup.requested()["XAU"], "backup must not see a symbol the primary resolved")
	require.Equal(t, 1, backup.requested()["XAG"])

	xau, ok := batch.Price("XAU")
	require.True(t, ok)
	require.Equal(t, "primary", xau.Source)
	require.True(t, xau.Price.Equal(decimal.RequireFromString("2650.5")))
	require.Equal(t, market.MarketINTL, xau.Market)

	xag, ok := batch.Price("XAG")
	require.True(t, ok)
	require.Equal(t, "backup", xag.Source)
	require.Empty(t, batch.Unavailable)
}

func TestFetchBatchRetryBoundAndCumulativeWait(t *testing.T) {
	primary := &fakeProvider{name: "primary", failCalls: 100}
	sleeps := &recordedSleeps{}
	backoff := Backoff{Attempts: 3, BaseDelay: 200 * time.Millisecond, Sleep: sleeps.sleep}

	f := New([]Provider{primary}, testRegistry(t), nil, backoff, zerolog.Nop())
	batch, err := f.FetchBatch(context.Background(), []string{"XAU"})
	require.NoError(t, err)

	require.Len(t, primary.calls, 3)
	require.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, sleeps.delays)
	require.Equal(t, 600*time.Millisecond, sleeps.total())
	require.Equal(t, backoff.TotalWait(), sleeps.total())
	require.Contains(t, batch.Unavailable["XAU"], "connection reset")
	require.Empty(t, batch.Quotes)
}

func TestFetchBatchRetriesOnlyUnresolvedSubset(t *testing.T) {
	flaky := &flakyProvider{fakeProvider: fakeProvider{name: "flaky", prices: map[string]string{"XAU": "2650", "XAG": "31"}}}
	sleeps := &recordedSleeps{}

	f := New([]Provider{flaky}, testRegistry(t), nil,
		Backoff{Attempts: 3, BaseDelay: time.Millisecond, Sleep: sleeps.sleep}, zerolog.Nop())
	batch, err := f.FetchBatch(context.Background(), []string{"XAU", "XAG"})
	require.NoError(t, err)

	require.Len(t, batch.Quotes, 2)
	require.Equal(t, [][]string{{"XAU", "XAG"}, {"XAG"}}, flaky.calls)
}

// flakyProvider drops XAG on the first call only.
type flakyProvider struct {
	fakeProvider
}

func (f *flakyProvider) Fetch(ctx context.Context, symbols []string) ([]market.PriceResult, error) {
	out, err := f.fakeProvider.Fetch(ctx, symbols)
	if err != nil || len(f.calls) > 1 {
		return out, err
	}
	for i, r := range out {
		if r.Symbol == "XAG" {
			out[i] = market.Unavailable("XAG", f.name, "stale")
		}
	}
	return out, nil
}

func TestFetchBatchPartialSuccess(t *testing.T) {
	primary := &fakeProvider{name: "primary", prices: map[string]string{"SHFE.AU": "580.2"}}
	f := New([]Provider{primary}, testRegistry(t), nil,
		Backoff{Attempts: 1}, zerolog.Nop())

	batch, err := f.FetchBatch(context.Background(), []string{"SHFE.AU", "SHFE.AG"})
	require.NoError(t, err)
	require.Len(t, batch.Quotes, 1)
	require.Equal(t, market.MarketCN, batch.Quotes[0].Market)
	require.Contains(t, batch.Unavailable, "SHFE.AG")
}

func TestFetchBatchUnsupportedSymbol(t *testing.T) {
	primary := &fakeProvider{name: "primary", supports: map[string]bool{"XAU": true}, prices: map[string]string{"XAU": "2650"}}
	f := New([]Provider{primary}, testRegistry(t), nil, Backoff{Attempts: 1}, zerolog.Nop())

	batch, err := f.FetchBatch(context.Background(), []string{"XAU", "NG"})
	require.NoError(t, err)
	require.Equal(t, reasonUnsupported, batch.Unavailable["NG"])
	require.Zero(t, primary.requested()["NG"])
}

func TestFetchBatchNoProviders(t *testing.T) {
	f := New(nil, testRegistry(t), nil, Backoff{}, zerolog.Nop())
	_, err := f.FetchBatch(context.Background(), []string{"XAU"})
	require.ErrorIs(t, err, ErrNoProviders)
}

func TestFailureCountersIncrementAndReset(t *testing.T) {
	ctx := context.Background()
	state := alertstate.NewMemory()
	primary := &fakeProvider{name: "primary", failCalls: 2}
	backup := &fakeProvider{name: "backup", prices: map[string]string{"XAU": "2650"}}

	f := New([]Provider{primary, backup}, testRegistry(t), state,
		Backoff{Attempts: 1}, zerolog.Nop())

	batch, err := f.FetchBatch(ctx, []string{"XAU"})
	require.NoError(t, err)
	require.Equal(t, int64(1), batch.Sources[0].Failures)
	require.True(t, batch.Sources[0].Failed())
	require.False(t, batch.Sources[1].Failed())

	_, _ = f.FetchBatch(ctx, []string{"XAU"})
	n, _ := state.FailureCount(ctx, "primary")
	require.Equal(t, int64(2), n)

	primary.prices = map[string]string{"XAU": "2651"}
	batch, err = f.FetchBatch(ctx, []string{"XAU"})
	require.NoError(t, err)
	require.Len(t, batch.Sources, 1, "backup skipped once primary resolves everything")
	n, _ = state.FailureCount(ctx, "primary")
	require.Zero(t, n)
}

func TestFetchSingleSymbol(t *testing.T) {
	primary := &fakeProvider{name: "primary", prices: map[string]string{"XAU": "2650"}}
	f := New([]Provider{primary}, testRegistry(t), nil, Backoff{Attempts: 1}, zerolog.Nop())

	r := f.Fetch(context.Background(), "XAU")
	require.True(t, r.OK())
	require.Equal(t, "primary", r.Source)

	r = f.Fetch(context.Background(), "XAG")
	require.False(t, r.OK())
	require.NotEmpty(t, r.Reason)
}

func TestBackoffDelays(t *testing.T) {
	b := Backoff{BaseDelay: time.Second}
	require.Equal(t, 3, b.MaxAttempts())
	require.Equal(t, time.Second, b.Delay(0))
	require.Equal(t, 2*time.Second, b.Delay(1))
	require.Equal(t, 4*time.Second, b.Delay(2))
	require.Equal(t, 3*time.Second, b.TotalWait())

	b.Attempts = 4
	require.Equal(t, 7*time.Second, b.TotalWait())
}

func TestBackoffStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &fakeProvider{name: "primary", failCalls: 100}
	b := Backoff{Attempts: 5, BaseDelay: time.Hour}

	cancel()
	results := b.Fetch(ctx, primary, []string{"XAU"})
	require.Len(t, primary.calls, 1)
	require.False(t, results["XAU"].OK())
}
