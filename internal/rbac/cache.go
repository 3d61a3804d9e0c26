package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache stores resolved permission sets per user for a bounded time.
type Cache interface {
	Get(ctx context.Context, key string) (PermissionSet, bool, error)
	Set(ctx context.Context, key string, value PermissionSet, ttl time.Duration) error
	Expire(ctx context.Context, key string) error
}

// CacheKey returns the cache key for a user. Keys never cross users.
func CacheKey(userID uuid.UUID) string {
	return "rbac:perms:" + userID.String()
}

type memoryEntry struct {
	value     PermissionSet
	expiresAt time.Time
}

// MemoryCache is a process-wide cache. Concurrent writers for the same key
// are last-writer-wins; entries are replaced atomically.
type MemoryCache struct {
	entries sync.Map
	now     func() time.Time
}

// NewMemoryCache builds a MemoryCache. A nil clock uses time.Now.
func NewMemoryCache(clock func() time.Time) *MemoryCache {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCache{now: clock}
}

// Get returns the live entry for key.
func (c *MemoryCache) Get(ctx context.Context, key string) (PermissionSet, bool, error) {
	raw, ok := c.entries.Load(key)
	if !ok {
		return PermissionSet{}, false, nil
	}
	entry := raw.(memoryEntry)
	if !c.now().Before(entry.expiresAt) {
		_ = c.Expire(ctx, key)
		return PermissionSet{}, false, nil
	}
	return entry.value.clone(), true, nil
}

// Set stores value until ttl elapses.
func (c *MemoryCache) Set(_ context.Context, key string, value PermissionSet, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.entries.Store(key, memoryEntry{value: value.clone(), expiresAt: c.now().Add(ttl)})
	return nil
}

// Expire drops key.
func (c *MemoryCache) Expire(_ context.Context, key string) error {
	c.entries.Delete(key)
	return nil
}

// RedisCache shares resolved sets between application instances.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache builds a RedisCache.
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

// Get loads and decodes the entry for key.
func (c *RedisCache) Get(ctx context.Context, key string) (PermissionSet, bool, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PermissionSet{}, false, nil
		}
		return PermissionSet{}, false, err
	}
	var set PermissionSet
	if err := json.Unmarshal(payload, &set); err != nil {
		return PermissionSet{}, false, err
	}
	return set, true, nil
}

// Set encodes value and stores it with ttl.
func (c *RedisCache) Set(ctx context.Context, key string, value PermissionSet, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

// Expire deletes key.
func (c *RedisCache) Expire(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
