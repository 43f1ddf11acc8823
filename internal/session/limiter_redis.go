package session

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const rateKeyPrefix = "postpipe:ratelimit:login:"

// incrWindow increments the counter and starts its expiry on the first hit,
// in one round trip.
var incrWindow = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

type RedisLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
}

func NewRedisLimiter(rdb redis.Scripter, limit int, win time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 3
	}
	if win <= 0 {
		win = time.Minute
	}
	return &RedisLimiter{rdb: rdb, limit: limit, window: win}
}

func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, accountID string) (bool, error) {
	n, err := incrWindow.Run(ctx, l.rdb, []string{rateKeyPrefix + accountID}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrap(err, "session: rate limit")
	}
	return n <= int64(l.limit), nil
}
