package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"freightd/internal/domain"
)

// RedisLimiter shares one fixed-window budget across API replicas. The
// counter and its expiry are maintained atomically in a single script so two
// replicas cannot both initialize the window.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

var incrWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

func NewRedisLimiter(addr, password string, db int, now func() time.Time) (*RedisLimiter, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		now:    now,
	}, nil
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, span time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	spanMillis := span.Milliseconds()
	if spanMillis <= 0 {
		spanMillis = 1000
	}

	raw, err := incrWindowScript.Run(ctx, r.client, []string{key}, spanMillis).Result()
	if err != nil {
		return domain.RateLimitDecision{}, err
	}
	reply, ok := raw.([]any)
	if !ok || len(reply) < 2 {
		return domain.RateLimitDecision{}, errors.New("unexpected rate limit script reply")
	}
	used, ok := reply[0].(int64)
	if !ok {
		return domain.RateLimitDecision{}, errors.New("unexpected rate limit counter type")
	}
	ttlMillis, _ := reply[1].(int64)

	resetAt := r.now()
	if ttlMillis > 0 {
		resetAt = resetAt.Add(time.Duration(ttlMillis) * time.Millisecond)
	}
	remaining := limit - int(used)
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitDecision{
		Allowed:   used <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Close releases the underlying connection pool.
func (r *RedisLimiter) Close() error { return r.client.Close() }
