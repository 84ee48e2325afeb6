package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator suppresses repeated signals across gateway instances.
type Deduplicator interface {
	// ShouldEmit returns true the first time key is seen within the TTL.
	ShouldEmit(ctx context.Context, key string) bool
	// Clear removes every key starting with prefix.
	Clear(ctx context.Context, prefix string)
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewInMemoryDeduplicator(ttl time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (d *InMemoryDeduplicator) ShouldEmit(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiresAt, ok := d.seen[key]; ok && now.Before(expiresAt) {
		return false
	}

	d.seen[key] = now.Add(d.ttl)

	// Opportunistic sweep keeps the map bounded without a timer.
	if len(d.seen) > 4096 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	return true
}

func (d *InMemoryDeduplicator) Clear(ctx context.Context, prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seen {
		if strings.HasPrefix(k, prefix) {
			delete(d.seen, k)
		}
	}
}

// RedisDeduplicator uses SETNX so only one instance emits a given signal.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(redisURL string, ttl time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{client: client, ttl: ttl}, nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) redisKey(key string) string {
	return "events:dedup:" + key
}

func (d *RedisDeduplicator) ShouldEmit(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, d.redisKey(key), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		// fail open
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Clear(ctx context.Context, prefix string) {
	keys, err := d.client.Keys(ctx, d.redisKey(prefix)+"*").Result()
	if err != nil || len(keys) == 0 {
		return
	}
	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
