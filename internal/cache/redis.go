package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/resilience"
)

// PrefixResponse namespaces response entries in Redis
const PrefixResponse = "response"

// KeyValueStore is the subset of RedisClient the response tier needs
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// RedisCache shares cached responses between replicas. Expiry is left to
// Redis. Failures are logged and treated as misses.
type RedisCache struct {
	store  KeyValueStore
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisCache creates the Redis response tier
func NewRedisCache(store KeyValueStore, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	return &RedisCache{
		store:  store,
		ttl:    ttl,
		logger: logging.GetLogger(),
	}
}

func (c *RedisCache) key(key string) string {
	return PrefixResponse + ":" + key
}

// Get implements resilience.ResponseCache
func (c *RedisCache) Get(ctx context.Context, key string) (*resilience.Response, bool) {
	data, err := c.store.Get(ctx, c.key(key))
	if err != nil {
		if !errors.IsNotFound(err) {
			c.logger.Warn("Redis cache read failed", "key", key, "error", err)
		}
		return nil, false
	}

	var resp resilience.Response
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		c.logger.Warn("Discarding undecodable cache entry", "key", key, "error", err)
		return nil, false
	}
	return &resp, true
}

// Set implements resilience.ResponseCache
func (c *RedisCache) Set(ctx context.Context, key string, resp *resilience.Response) {
	if resp == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, c.key(key), data, c.ttl); err != nil {
		c.logger.Warn("Redis cache write failed", "key", key, "error", err)
	}
}

// Tiered reads the local cache first and falls through to the shared one,
// copying shared hits into the local tier.
type Tiered struct {
	local  resilience.ResponseCache
	shared resilience.ResponseCache
}

// NewTiered combines a local and a shared cache. shared may be nil.
func NewTiered(local, shared resilience.ResponseCache) resilience.ResponseCache {
	if shared == nil {
		return local
	}
	return &Tiered{local: local, shared: shared}
}

// Get implements resilience.ResponseCache
func (t *Tiered) Get(ctx context.Context, key string) (*resilience.Response, bool) {
	if resp, ok := t.local.Get(ctx, key); ok {
		return resp, true
	}
	resp, ok := t.shared.Get(ctx, key)
	if ok {
		t.local.Set(ctx, key, resp)
	}
	return resp, ok
}

// Set implements resilience.ResponseCache
func (t *Tiered) Set(ctx context.Context, key string, resp *resilience.Response) {
	t.local.Set(ctx, key, resp)
	t.shared.Set(ctx, key, resp)
}
