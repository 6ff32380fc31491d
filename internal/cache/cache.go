package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "stratum"

// ErrLeaseTaken is returned by ObtainLease when another holder owns the key.
var ErrLeaseTaken = errors.New("lease already held")

// Cache is the shared, TTL-bounded key/value store all workers coordinate through.
type Cache interface {
	Write(ctx context.Context, key, value string, ttl time.Duration) error
	Read(ctx context.Context, key string) (string, bool, error)
	Expire(ctx context.Context, key string) error
	HashWrite(ctx context.Context, key string, values map[string]string, ttl time.Duration) error
	HashRead(ctx context.Context, key string) (map[string]string, error)
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decrement(ctx context.Context, key string) (int64, error)
	ObtainLease(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Ping(ctx context.Context) error
}

// RedisCache implements Cache on a single redis client.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

type Option func(*RedisCache)

func WithNamespace(ns string) Option {
	return func(c *RedisCache) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// NewRedisCache connects to redisURL (e.g. "redis://localhost:6379/0") and verifies connectivity.
func NewRedisCache(redisURL string, opts ...Option) (*RedisCache, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisCacheFromClient(client, opts...), nil
}

func NewRedisCacheFromClient(client *redis.Client, opts ...Option) *RedisCache {
	c := &RedisCache{client: client, namespace: defaultNamespace}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(k string) string {
	return c.namespace + ":" + k
}

func (c *RedisCache) Write(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache write %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Read(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache read %s: %w", key, err)
	}
	return val, true, nil
}

func (c *RedisCache) Expire(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache expire %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) HashWrite(ctx context.Context, key string, values map[string]string, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key(key), fields)
	if ttl > 0 {
		pipe.Expire(ctx, c.key(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache hash write %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) HashRead(ctx context.Context, key string) (map[string]string, error) {
	values, err := c.client.HGetAll(ctx, c.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache hash read %s: %w", key, err)
	}
	return values, nil
}

// Increment adds one to key, setting ttl when the key is created.
func (c *RedisCache) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, c.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache increment %s: %w", key, err)
	}
	if n == 1 && ttl > 0 {
		if err := c.client.Expire(ctx, c.key(key), ttl).Err(); err != nil {
			return n, fmt.Errorf("cache expire %s: %w", key, err)
		}
	}
	return n, nil
}

func (c *RedisCache) Decrement(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Decr(ctx, c.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache decrement %s: %w", key, err)
	}
	return n, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// releaseScript deletes the lease key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is an exclusive hold on a key. It expires on its own after its ttl.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

func (c *RedisCache) ObtainLease(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, c.key(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("obtain lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLeaseTaken
	}
	return &Lease{client: c.client, key: c.key(key), token: token}, nil
}

// Release is a no-op when the lease already expired or was taken over.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
