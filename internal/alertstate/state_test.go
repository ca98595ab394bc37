package alertstate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test"), srv
}

func TestMemoryCooldownWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	ok, err := store.TryAcquire(ctx, "gold_prem_low", start, 4*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = store.TryAcquire(ctx, "gold_prem_low", start.Add(3*time.Hour+59*time.Minute), 4*time.Hour)
	require.False(t, ok, "still cooling")

	last, found, _ := store.LastSent(ctx, "gold_prem_low")
	require.True(t, found)
	require.True(t, last.Equal(start), "suppressed attempt must not move lastSent")

	ok, _ = store.TryAcquire(ctx, "gold_prem_low", start.Add(4*time.Hour), 4*time.Hour)
	require.True(t, ok, "cooldown elapsed exactly")
}

func TestMemoryConcurrentAcquireOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.TryAcquire(ctx, "gs_ratio_high", now, time.Hour); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestMemoryFailureIncident(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for i := 1; i <= 3; i++ {
		n, err := store.IncrFailure(ctx, "sina")
		require.NoError(t, err)
		require.Equal(t, int64(i), n)
	}

	claimed, _ := store.ClaimIncident(ctx, "sina")
	require.True(t, claimed)
	claimed, _ = store.ClaimIncident(ctx, "sina")
	require.False(t, claimed)

	require.NoError(t, store.ResetFailure(ctx, "sina"))
	n, _ := store.FailureCount(ctx, "sina")
	require.Zero(t, n)
	inc, _ := store.IncidentClaimed(ctx, "sina")
	require.False(t, inc)
}

func TestRedisCooldown(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	now := time.Now()

	ok, err := store.TryAcquire(ctx, "fx_crash", now, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.TryAcquire(ctx, "fx_crash", now.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	last, found, err := store.LastSent(ctx, "fx_crash")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, now.UnixMilli(), last.UnixMilli())

	ok, err = store.TryAcquire(ctx, "fx_crash", now.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisCooldownFollowsCallerClock(t *testing.T) {
	ctx := context.Background()
	store, srv := newRedisStore(t)
	sent := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

	ok, err := store.TryAcquire(ctx, "crash_XAU", sent, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// server time moving on must not release the key
	srv.FastForward(2 * time.Hour)
	ok, err = store.TryAcquire(ctx, "crash_XAU", sent.Add(59*time.Minute), time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	// an earlier clock never reopens the window
	ok, err = store.TryAcquire(ctx, "crash_XAU", sent.Add(-time.Minute), time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.TryAcquire(ctx, "crash_XAU", sent.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	last, found, err := store.LastSent(ctx, "crash_XAU")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, last.Equal(sent.Add(time.Hour)))
}

func TestRedisFailures(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	n, err := store.FailureCount(ctx, "yahoo")
	require.NoError(t, err)
	require.Zero(t, n)

	_, _ = store.IncrFailure(ctx, "yahoo")
	n, err = store.IncrFailure(ctx, "yahoo")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	ok, err := store.ClaimIncident(ctx, "yahoo")
	require.NoError(t, err)
	require.True(t, ok)
	claimed, err := store.IncidentClaimed(ctx, "yahoo")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, store.ResetFailure(ctx, "yahoo"))
	n, _ = store.FailureCount(ctx, "yahoo")
	require.Zero(t, n)
	claimed, _ = store.IncidentClaimed(ctx, "yahoo")
	require.False(t, claimed)
}
