package pool

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
)

// Cache is the process-local or shared key-value store backing the quota,
// affinity, and account-list entries. Key namespaces keep the three apart.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// RistrettoCache is the default in-process cache backend.
type RistrettoCache struct {
	cache *ristretto.Cache
}

// NewRistrettoCache sizes the cache for the pool's working set: quota and
// affinity entries are small, so counts dominate cost.
func NewRistrettoCache() (*RistrettoCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 20,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: cache}, nil
}

func (c *RistrettoCache) Get(_ context.Context, key string) ([]byte, bool) {
	val, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := val.([]byte)
	return b, ok
}

func (c *RistrettoCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	cost := int64(len(value)) + 1
	if ttl > 0 {
		c.cache.SetWithTTL(key, value, cost, ttl)
	} else {
		c.cache.Set(key, value, cost)
	}
	// 确保后续读取可见
	c.cache.Wait()
}

func (c *RistrettoCache) Delete(_ context.Context, key string) {
	c.cache.Del(key)
}

// RedisCache shares pool state across processes.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		_ = c.rdb.Set(ctx, c.prefix+key, value, 0).Err()
		return
	}
	_ = c.rdb.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	_ = c.rdb.Del(ctx, c.prefix+key).Err()
}
