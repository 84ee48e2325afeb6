// Package cache keeps recent provider load and quota signals so routing never
// waits on a slow signal source. It supports in-memory and Redis backends.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/redis/go-redis/v9"
)

type Cache interface {
	Get(ctx context.Context, provider string) (domain.ProviderSignals, bool)
	Set(ctx context.Context, provider string, s domain.ProviderSignals, ttl time.Duration) error
}

func SignalKey(provider string) string {
	return "signals:" + provider
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	now   func() time.Time
}

type cacheItem struct {
	signals   domain.ProviderSignals
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]cacheItem),
		now:   time.Now,
	}
}

func (c *InMemoryCache) Get(ctx context.Context, provider string) (domain.ProviderSignals, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[SignalKey(provider)]
	if !ok || c.now().After(item.expiresAt) {
		return domain.ProviderSignals{}, false
	}
	return item.signals, true
}

func (c *InMemoryCache) Set(ctx context.Context, provider string, s domain.ProviderSignals, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[SignalKey(provider)] = cacheItem{
		signals:   s,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *InMemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// RunCleanup sweeps every interval until ctx is cancelled.
func (c *InMemoryCache) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, provider string) (domain.ProviderSignals, bool) {
	data, err := c.client.Get(ctx, SignalKey(provider)).Bytes()
	if err != nil {
		return domain.ProviderSignals{}, false
	}

	var s domain.ProviderSignals
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.ProviderSignals{}, false
	}
	return s, true
}

func (c *RedisCache) Set(ctx context.Context, provider string, s domain.ProviderSignals, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, SignalKey(provider), data, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Source produces fresh signals for a provider.
type Source interface {
	Signals(ctx context.Context, provider string) (domain.ProviderSignals, error)
}

// CachedSource serves cached signals while they are fresh and otherwise asks the
// source under a timeout. When the source fails or times out, the last value seen
// is returned, or neutral signals if there is none.
type CachedSource struct {
	source  Source
	cache   Cache
	ttl     time.Duration
	timeout time.Duration

	mu        sync.RWMutex
	lastKnown map[string]domain.ProviderSignals
}

func NewCachedSource(source Source, cache Cache, ttl, timeout time.Duration) *CachedSource {
	if cache == nil {
		cache = NewInMemoryCache()
	}
	return &CachedSource{
		source:    source,
		cache:     cache,
		ttl:       ttl,
		timeout:   timeout,
		lastKnown: make(map[string]domain.ProviderSignals),
	}
}

func (c *CachedSource) Signals(ctx context.Context, provider string) (domain.ProviderSignals, error) {
	if s, ok := c.cache.Get(ctx, provider); ok {
		return s, nil
	}

	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	s, err := c.source.Signals(sctx, provider)
	if err != nil {
		slog.Debug("signal source failed, using last known value", "provider", provider, "error", err)
		c.mu.RLock()
		last := c.lastKnown[provider]
		c.mu.RUnlock()
		return last, nil
	}

	c.mu.Lock()
	c.lastKnown[provider] = s
	c.mu.Unlock()

	if err := c.cache.Set(ctx, provider, s, c.ttl); err != nil {
		slog.Warn("failed to cache provider signals", "provider", provider, "error", err)
	}
	return s, nil
}
