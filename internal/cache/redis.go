package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures RedisCache.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
}

// RedisCache implements Cache on a single redis instance.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache creates a RedisCache. The connection is lazy; call Ping to verify it.
func NewRedisCache(opts RedisOptions) *RedisCache {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		MaxRetries:   opts.MaxRetries,
	})
	return &RedisCache{rdb: rdb}
}

// Get implements Cache.Get.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set implements Cache.Set.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return c.rdb.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// Ping checks that redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the client connection pool.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
