package fetcher

import (
	"context"
	"time"

	"commodity-premium-alerts/internal/market"
)

const defaultAttempts = 3

// Backoff bounds how often a provider call is repeated. After failed attempt i
// (0-indexed) the caller waits BaseDelay·2^i before trying again; no wait
// follows the final attempt.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	// Sleep overrides the context-aware timer, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// MaxAttempts returns the configured attempt count, defaulting to 3.
func (b Backoff) MaxAttempts() int {
	if b.Attempts <= 0 {
		return defaultAttempts
	}
	return b.Attempts
}

// Delay is the wait that follows failed attempt i.
func (b Backoff) Delay(i int) time.Duration {
	return b.BaseDelay * time.Duration(1<<uint(i))
}

// TotalWait is the cumulative wait before giving up on a call that never succeeds.
func (b Backoff) TotalWait() time.Duration {
	var total time.Duration
	for i := 0; i < b.MaxAttempts()-1; i++ {
		total += b.Delay(i)
	}
	return total
}

func (b Backoff) sleep(ctx context.Context, d time.Duration) error {
	if b.Sleep != nil {
		return b.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fetch asks p for symbols, retrying the still-unresolved subset with
// exponential backoff. Every requested symbol appears in the result map.
func (b Backoff) Fetch(ctx context.Context, p Provider, symbols []string) map[string]market.PriceResult {
	results := make(map[string]market.PriceResult, len(symbols))
	pending := symbols

	attempts := b.MaxAttempts()
	for attempt := 0; attempt < attempts && len(pending) > 0; attempt++ {
		if attempt > 0 {
			if err := b.sleep(ctx, b.Delay(attempt-1)); err != nil {
				break
			}
		}

		got, err := p.Fetch(ctx, pending)
		if err != nil {
			for _, s := range pending {
				results[s] = market.Unavailable(s, p.Name(), err.Error())
			}
			continue
		}

		seen := make(map[string]struct{}, len(got))
		for _, r := range got {
			seen[r.Symbol] = struct{}{}
			results[r.Symbol] = r
		}

		next := make([]string, 0, len(pending))
		for _, s := range pending {
			if _, ok := seen[s]; !ok {
				results[s] = market.Unavailable(s, p.Name(), "missing from response")
			}
			if !results[s].OK() {
				next = append(next, s)
			}
		}
		pending = next
	}

	return results
}
