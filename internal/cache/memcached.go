package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "crowd:"

// memcached rejects relative expirations longer than 30 days.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated server list
// ("host1:11211,host2:11211"); timeout and maxIdleConns use client defaults when zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get implements Cache.Get.
func (c *MemcachedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	item, err := c.client.Get(keyPrefix + key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set implements Cache.Set. Out-of-range TTLs fall back to one hour.
func (c *MemcachedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        keyPrefix + key,
		Value:      value,
		Expiration: expirationSeconds(ttl),
	})
}

func expirationSeconds(ttl time.Duration) int32 {
	sec := int64(ttl / time.Second)
	if sec <= 0 || sec > maxRelativeExp {
		return 3600
	}
	return int32(sec)
}

// Ping checks that memcached is reachable.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	return c.client.Ping()
}

// Close releases idle connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
