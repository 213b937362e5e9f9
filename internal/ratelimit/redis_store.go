package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// script trims the window, counts it, and records the request only when the
// quota still has room. Runs atomically on the Redis side so concurrent
// stateless instances cannot overshoot the quota.
//
// KEYS[1] window zset; ARGV: now-micros, windowStart-micros, quota, member, ttl-millis.
// Returns {count after the call, oldest score or 0}.
var script = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] == nil then
	return {count + 1, '0'}
end
return {count + 1, oldest[2]}
`)

// RedisWindowStore keeps one sorted set per identifier, scored by request time
// in microseconds, one member per request.
type RedisWindowStore struct {
	rdb *redis.Client
}

func NewRedisWindowStore(rdb *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{rdb: rdb}
}

func (s *RedisWindowStore) Add(ctx context.Context, id string, at, windowStart time.Time, quota int, ttl time.Duration) (int, time.Time, error) {
	res, err := script.Run(ctx, s.rdb, []string{keyPrefix + id},
		at.UnixMicro(),
		windowStart.UnixMicro(),
		quota,
		uuid.NewString(),
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit add: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("ratelimit add: unexpected reply %v", res)
	}
	count, ok := res[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("ratelimit add: unexpected count %v", res[0])
	}
	var oldest time.Time
	if raw, ok := res[1].(string); ok {
		if micros, err := strconv.ParseInt(raw, 10, 64); err == nil && micros > 0 {
			oldest = time.UnixMicro(micros)
		}
	}
	return int(count), oldest, nil
}
