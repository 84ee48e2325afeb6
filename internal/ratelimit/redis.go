package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBucketStore keeps one hash per key and window.
// Fields are "<bucket>:r" and "<bucket>:t" for requests and tokens.
type RedisBucketStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisBucketStore(redisURL string) (*RedisBucketStore, error) {
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

	return NewRedisBucketStoreWithClient(client), nil
}

func NewRedisBucketStoreWithClient(client *redis.Client) *RedisBucketStore {
	return &RedisBucketStore{
		client: client,
		ttl:    2 * Day.Size(),
	}
}

func hashKey(keyID string, w Window) string {
	return "usage:" + keyID + ":" + w.String()
}

func fields(bucket int64) (string, string) {
	b := strconv.FormatInt(bucket, 10)
	return b + ":r", b + ":t"
}

func (s *RedisBucketStore) Add(ctx context.Context, keyID string, w Window, bucket int64, delta Counter) (Counter, error) {
	key := hashKey(keyID, w)
	rf, tf := fields(bucket)

	pipe := s.client.TxPipeline()
	reqCmd := pipe.HIncrBy(ctx, key, rf, delta.Requests)
	tokCmd := pipe.HIncrBy(ctx, key, tf, delta.Tokens)
	pipe.Expire(ctx, key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return Counter{}, fmt.Errorf("incr usage bucket: %w", err)
	}

	return Counter{Requests: reqCmd.Val(), Tokens: tokCmd.Val()}, nil
}

func (s *RedisBucketStore) Get(ctx context.Context, keyID string, w Window, bucket int64) (Counter, error) {
	rf, tf := fields(bucket)

	vals, err := s.client.HMGet(ctx, hashKey(keyID, w), rf, tf).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("get usage bucket: %w", err)
	}

	return Counter{Requests: parseCount(vals[0]), Tokens: parseCount(vals[1])}, nil
}

func (s *RedisBucketStore) Buckets(ctx context.Context, keyID string, w Window) (map[int64]Counter, error) {
	all, err := s.client.HGetAll(ctx, hashKey(keyID, w)).Result()
	if err != nil {
		return nil, fmt.Errorf("list usage buckets: %w", err)
	}

	out := make(map[int64]Counter)
	for field, raw := range all {
		bucket, kind, ok := splitField(field)
		if !ok {
			continue
		}
		n, _ := strconv.ParseInt(raw, 10, 64)
		c := out[bucket]
		if kind == "r" {
			c.Requests = n
		} else {
			c.Tokens = n
		}
		out[bucket] = c
	}
	return out, nil
}

func (s *RedisBucketStore) Prune(ctx context.Context, keyID string, w Window, before int64) (int, error) {
	key := hashKey(keyID, w)

	names, err := s.client.HKeys(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("list usage fields: %w", err)
	}

	var stale []string
	buckets := make(map[int64]struct{})
	for _, field := range names {
		bucket, _, ok := splitField(field)
		if ok && bucket < before {
			stale = append(stale, field)
			buckets[bucket] = struct{}{}
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := s.client.HDel(ctx, key, stale...).Err(); err != nil {
		return 0, fmt.Errorf("prune usage fields: %w", err)
	}
	return len(buckets), nil
}

func (s *RedisBucketStore) Purge(ctx context.Context, keyID string) error {
	keys := make([]string, 0, len(Windows))
	for _, w := range Windows {
		keys = append(keys, hashKey(keyID, w))
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisBucketStore) Close() error {
	return s.client.Close()
}

func splitField(field string) (int64, string, bool) {
	idx := strings.LastIndexByte(field, ':')
	if idx < 0 {
		return 0, "", false
	}
	bucket, err := strconv.ParseInt(field[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return bucket, field[idx+1:], true
}

func parseCount(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
