package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"postpipe/internal/domain"
)

const sessionKeyPrefix = "postpipe:session:"

// RedisCache shares sessions between processes. Expiry is delegated to Redis;
// Get re-writes the entry with a fresh TTL.
type RedisCache struct {
	rdb redis.Cmdable
	ttl time.Duration
	now func() time.Time
}

func NewRedisCache(rdb redis.Cmdable, ttl time.Duration, opts ...Option) *RedisCache {
	o := buildOptions(opts)
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl, now: o.now}
}

func sessionKey(accountID string) string { return sessionKeyPrefix + accountID }

func (c *RedisCache) Get(ctx context.Context, accountID string) ([]domain.Cookie, bool, error) {
	key := sessionKey(accountID)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "session: redis get")
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is as good as none.
		_ = c.rdb.Del(ctx, key).Err()
		return nil, false, nil
	}
	e.LastUsed = c.now()
	if payload, err := json.Marshal(e); err == nil {
		if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			return nil, false, errors.Wrap(err, "session: redis refresh")
		}
	}
	return e.Cookies, true, nil
}

func (c *RedisCache) Save(ctx context.Context, accountID string, cookies []domain.Cookie) error {
	now := c.now()
	payload, err := json.Marshal(Entry{Cookies: cookies, CreatedAt: now, LastUsed: now})
	if err != nil {
		return errors.Wrap(err, "session: encode")
	}
	return errors.Wrap(c.rdb.Set(ctx, sessionKey(accountID), payload, c.ttl).Err(), "session: redis set")
}

func (c *RedisCache) Invalidate(ctx context.Context, accountID string) error {
	return errors.Wrap(c.rdb.Del(ctx, sessionKey(accountID)).Err(), "session: redis del")
}
