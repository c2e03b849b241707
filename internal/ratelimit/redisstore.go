package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdleTTL is how long an untouched bucket survives in Redis.
const IdleTTL = 24 * time.Hour

// incrScript keeps {start, count} in a hash and rolls the window in place.
var incrScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local count
if not start or now - start >= window then
	start = now
	count = 1
	redis.call('HSET', KEYS[1], 'start', ARGV[1], 'count', 1)
else
	count = redis.call('HINCRBY', KEYS[1], 'count', 1)
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return {count, start}
`)

// RedisBucketStore keeps buckets as Redis hashes whose TTL is refreshed on
// every touch, so idle buckets expire on the server.
type RedisBucketStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBucketStore(client redis.UniversalClient, prefix string) *RedisBucketStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisBucketStore{client: client, prefix: prefix}
}

func (s *RedisBucketStore) Incr(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	vals, err := incrScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), int64(IdleTTL/time.Second)).Int64Slice()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected script reply %v", vals)
	}
	return int(vals[0]), time.UnixMilli(vals[1]).UTC(), nil
}

func (s *RedisBucketStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
