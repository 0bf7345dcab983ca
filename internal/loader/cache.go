package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheEntry is the persistent cross-session record for one source path.
// Entries older than the freshness window are ignored and recomputed,
// never trusted as permanently valid.
type CacheEntry struct {
	Placeholder string    `json:"placeholder"`
	LowQuality  string    `json:"lowQuality,omitempty"`
	HighQuality string    `json:"highQuality,omitempty"`
	CachedAt    time.Time `json:"cached_at"`
}

// Fresh reports whether the entry is still inside the freshness window.
func (e CacheEntry) Fresh(now time.Time, window time.Duration) bool {
	return !e.CachedAt.IsZero() && now.Sub(e.CachedAt) < window
}

// CacheStore persists load results across sessions. A miss returns
// ok=false with a nil error.
type CacheStore interface {
	Get(ctx context.Context, path string) (CacheEntry, bool, error)
	Put(ctx context.Context, path string, entry CacheEntry) error
}

const redisKeyPrefix = "mediaflow:loader:"

// RedisCache is the production CacheStore. The redis TTL mirrors the
// freshness window so stale entries also age out of storage.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache builds a RedisCache with the given freshness TTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, path string) (CacheEntry, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+path).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("loader cache get: %w", err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry behaves like a miss and will be overwritten.
		return CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *RedisCache) Put(ctx context.Context, path string, entry CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("loader cache encode: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+path, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("loader cache put: %w", err)
	}
	return nil
}

// MemoryCache is a map-backed CacheStore for tests and the local demo mode.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]CacheEntry)}
}

func (c *MemoryCache) Get(_ context.Context, path string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	return entry, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, path string, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = entry
	return nil
}
