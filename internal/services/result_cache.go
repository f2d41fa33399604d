// internal/services/result_cache.go
package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Corphon/NovelIntruder/internal/config"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ResultCache stores generation results by dedup key for a short TTL.
type ResultCache interface {
	Get(ctx context.Context, key string) (*models.GenerationResult, bool, error)
	Set(ctx context.Context, key string, result *models.GenerationResult) error
	Close() error
}

// NewResultCache picks the backend named by the cache config.
func NewResultCache(cacheCfg config.CacheConfig, ttl time.Duration, maxEntries int) (ResultCache, error) {
	switch cacheCfg.Backend {
	case "", "memory":
		return NewMemoryResultCache(ttl, maxEntries), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cacheCfg.RedisAddr,
			Password: cacheCfg.RedisPassword,
			DB:       cacheCfg.RedisDB,
		})
		return NewRedisResultCache(client, ttl), nil
	default:
		return nil, errors.Errorf("unknown cache backend %q", cacheCfg.Backend)
	}
}

type cachedResult struct {
	result    *models.GenerationResult
	expiresAt time.Time
	storedAt  time.Time
}

// MemoryResultCache 进程内结果缓存
type MemoryResultCache struct {
	mu         sync.Mutex
	entries    map[string]cachedResult
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewMemoryResultCache 创建内存缓存
func NewMemoryResultCache(ttl time.Duration, maxEntries int) *MemoryResultCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryResultCache{
		entries:    make(map[string]cachedResult),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryResultCache) Get(_ context.Context, key string) (*models.GenerationResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return entry.result, true, nil
}

func (c *MemoryResultCache) Set(_ context.Context, key string, result *models.GenerationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = cachedResult{result: result, expiresAt: now.Add(c.ttl), storedAt: now}
	return nil
}

// evictLocked drops expired entries, then the oldest one if still full.
func (c *MemoryResultCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *MemoryResultCache) Close() error { return nil }

// Len returns the number of stored entries, expired ones included.
func (c *MemoryResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisResultCache shares results across processes through Redis.
type RedisResultCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisResultCache wraps an existing client.
func NewRedisResultCache(client *redis.Client, ttl time.Duration) *RedisResultCache {
	return &RedisResultCache{client: client, ttl: ttl, prefix: "novel:gen:"}
}

func (c *RedisResultCache) Get(ctx context.Context, key string) (*models.GenerationResult, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}
	var result models.GenerationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, errors.Wrap(err, "decode cached result")
	}
	return &result, true, nil
}

func (c *RedisResultCache) Set(ctx context.Context, key string, result *models.GenerationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	return errors.Wrap(c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(), "redis set")
}

func (c *RedisResultCache) Close() error {
	return c.client.Close()
}
