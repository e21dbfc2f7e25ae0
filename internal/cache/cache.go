package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	// SetJobProgress raises the cached progress of a job to pct. A lower
	// value never overwrites a higher one. Returns the stored value.
	SetJobProgress(ctx context.Context, jobID uuid.UUID, pct int, ttl time.Duration) (int, error)
	GetJobProgress(ctx context.Context, jobID uuid.UUID) (int, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// NewRedisCacheFromClient wraps an existing client so the cache can share a
// connection pool with the queue.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Client exposes the underlying connection pool for sharing with the queue.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// maxProgressScript stores ARGV[1] only if it is higher than the current value.
var maxProgressScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "-1")
local pct = tonumber(ARGV[1])
if pct > cur then
  cur = pct
end
redis.call("SET", KEYS[1], cur, "PX", ARGV[2])
return cur
`)

func (c *RedisCache) SetJobProgress(ctx context.Context, jobID uuid.UUID, pct int, ttl time.Duration) (int, error) {
	n, err := maxProgressScript.Run(ctx, c.client, []string{JobProgressKey(jobID)}, pct, ttl.Milliseconds()).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *RedisCache) GetJobProgress(ctx context.Context, jobID uuid.UUID) (int, bool, error) {
	n, err := c.client.Get(ctx, JobProgressKey(jobID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
