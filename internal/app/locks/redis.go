package locks

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultRedisTTL   = 30 * time.Second
	defaultRedisRetry = 10 * time.Millisecond
	redisKeyPrefix    = "sitcoin:lock:"
)

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every instance pointing at the same Redis.
// Each key is a SET NX PX entry holding a random token; release deletes the
// entry only while the token still matches. The TTL bounds how long a crashed
// holder blocks others and must exceed the longest critical section.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
}

var _ Locker = (*Redis)(nil)

// NewRedis creates a Redis locker. Non-positive durations select defaults.
func NewRedis(client redis.UniversalClient, ttl, retry time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	if retry <= 0 {
		retry = defaultRedisRetry
	}
	return &Redis{client: client, ttl: ttl, retry: retry}
}

func (r *Redis) Acquire(ctx context.Context, keys ...string) (Release, error) {
	ordered := Normalize(keys)
	token := uuid.NewString()
	held := make([]func(), 0, len(ordered))
	for _, key := range ordered {
		if err := r.lock(ctx, key, token); err != nil {
			releaseAll(held)()
			return nil, err
		}
		k := key
		held = append(held, func() { r.unlock(k, token) })
	}
	return releaseAll(held), nil
}

func (r *Redis) lock(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return timeoutError(key, ctx.Err())
			}
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return timeoutError(key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlock(key, token string) {
	// Release runs after the caller's context may have expired.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = unlockScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, token).Err()
}
