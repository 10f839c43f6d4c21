// Package cache mirrors hot conversation, stage and template state in a
// key/value store. The relational store stays authoritative.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

// Entry is one key/value pair written by SetIfNewer.
type Entry struct {
	Key   string
	Value []byte
}

// Client is the key/value contract the layer needs. A miss is reported as an
// errx not-found error; any other error means the cache is unavailable.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// SetIfNewer writes entries unless versionKey already holds a higher
	// version. It reports whether the write happened.
	SetIfNewer(ctx context.Context, versionKey string, version int64, ttl time.Duration, entries ...Entry) (bool, error)
}

// setIfNewerScript: KEYS[1] version key, KEYS[2..] value keys;
// ARGV[1] version, ARGV[2] ttl in ms (0 = no expiry), ARGV[3..] values.
var setIfNewerScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
local ttl = ARGV[2]
for i = 1, #KEYS do
  local v = ARGV[1]
  if i > 1 then v = ARGV[i + 1] end
  if tonumber(ttl) > 0 then
    redis.call('SET', KEYS[i], v, 'PX', ttl)
  else
    redis.call('SET', KEYS[i], v)
  end
end
return 1
`)

// RedisClient implements Client over go-redis. It is safe for concurrent use.
type RedisClient struct {
	rdb redis.Cmdable
}

func NewRedisClient(rdb redis.Cmdable) *RedisClient {
	return &RedisClient{rdb: rdb}
}

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}
	return b, nil
}

func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return errx.WrapRedis(err)
	}
	if !ok {
		logx.Debug().Str("key", key).Dur("ttl", ttl).Msg("expire on missing key")
	}
	return nil
}

func (c *RedisClient) SetIfNewer(ctx context.Context, versionKey string, version int64, ttl time.Duration, entries ...Entry) (bool, error) {
	keys := make([]string, 0, len(entries)+1)
	args := make([]any, 0, len(entries)+2)
	keys = append(keys, versionKey)
	args = append(args, version, ttl.Milliseconds())
	for _, e := range entries {
		keys = append(keys, e.Key)
		args = append(args, e.Value)
	}

	n, err := setIfNewerScript.Run(ctx, c.rdb, keys, args...).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, errx.WrapRedis(err)
	}
	return n == 1, nil
}

var _ Client = (*RedisClient)(nil)
