package alertstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript compares the caller's clock with the stored last-sent stamp
// and records the new stamp in one step.
var acquireScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
if last and tonumber(ARGV[1]) - tonumber(last) < tonumber(ARGV[2]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// Redis keeps alert state in Redis so several processes share cooldowns and
// failure counters. Cooldowns are measured against the now passed by the
// caller, never the server clock.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps a go-redis client; prefix namespaces every key.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "premiumwatch"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) TryAcquire(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error) {
	acquired, err := acquireScript.Run(ctx, r.client, []string{r.key("sent", key)}, now.UnixMilli(), cooldown.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis acquire %s: %w", key, err)
	}
	return acquired == 1, nil
}

func (r *Redis) LastSent(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.key("sent", key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get sent %s: %w", key, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse sent %s: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (r *Redis) IncrFailure(ctx context.Context, source string) (int64, error) {
	n, err := r.client.Incr(ctx, r.key("failures", source)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr failures %s: %w", source, err)
	}
	return n, nil
}

func (r *Redis) ResetFailure(ctx context.Context, source string) error {
	if err := r.client.Del(ctx, r.key("failures", source), r.key("incident", source)).Err(); err != nil {
		return fmt.Errorf("redis reset failures %s: %w", source, err)
	}
	return nil
}

func (r *Redis) FailureCount(ctx context.Context, source string) (int64, error) {
	n, err := r.client.Get(ctx, r.key("failures", source)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failures %s: %w", source, err)
	}
	return n, nil
}

func (r *Redis) IncidentClaimed(ctx context.Context, source string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key("incident", source)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists incident %s: %w", source, err)
	}
	return n > 0, nil
}

func (r *Redis) ClaimIncident(ctx context.Context, source string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key("incident", source), "1", 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim incident %s: %w", source, err)
	}
	return ok, nil
}

var _ Store = (*Redis)(nil)
