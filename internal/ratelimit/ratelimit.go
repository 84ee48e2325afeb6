// Package ratelimit tracks per-key usage in minute, hour and day buckets.
// A bucket index is floor(now / window size); counters for a bucket only grow.
// Supports both in-memory (single instance) and Redis (distributed) bucket stores.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

type Window int

const (
	Minute Window = iota
	Hour
	Day
)

var Windows = []Window{Minute, Hour, Day}

func (w Window) Size() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

// Bucket returns the index of the bucket containing t.
func (w Window) Bucket(t time.Time) int64 {
	return t.UnixMilli() / w.Size().Milliseconds()
}

// limitsFor returns the request and token limits configured for w.
func limitsFor(l domain.Limits, w Window) (requests, tokens int) {
	switch w {
	case Minute:
		return l.RequestsPerMinute, l.TokensPerMinute
	case Hour:
		return l.RequestsPerHour, l.TokensPerHour
	default:
		return l.RequestsPerDay, l.TokensPerDay
	}
}

type Counter struct {
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// exceeds reports whether c meets or exceeds a non-zero limit.
func (c Counter) exceeds(requestLimit, tokenLimit int) bool {
	if requestLimit > 0 && c.Requests >= int64(requestLimit) {
		return true
	}
	return tokenLimit > 0 && c.Tokens >= int64(tokenLimit)
}

// BucketStore persists window counters.
type BucketStore interface {
	Add(ctx context.Context, keyID string, w Window, bucket int64, delta Counter) (Counter, error)
	Get(ctx context.Context, keyID string, w Window, bucket int64) (Counter, error)
	Buckets(ctx context.Context, keyID string, w Window) (map[int64]Counter, error)
	// Prune drops buckets with an index lower than before.
	Prune(ctx context.Context, keyID string, w Window, before int64) (int, error)
	Purge(ctx context.Context, keyID string) error
}

// InMemoryBucketStore keeps counters in process memory.
// Suitable for single-instance deployments.
type InMemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]*[3]map[int64]Counter
}

// NewInMemoryBucketStore creates an empty store. Counters are lost on restart.
func NewInMemoryBucketStore() *InMemoryBucketStore {
	return &InMemoryBucketStore{
		buckets: make(map[string]*[3]map[int64]Counter),
	}
}

func (s *InMemoryBucketStore) windowMap(keyID string, w Window) map[int64]Counter {
	set, ok := s.buckets[keyID]
	if !ok {
		set = &[3]map[int64]Counter{{}, {}, {}}
		s.buckets[keyID] = set
	}
	return set[w]
}

func (s *InMemoryBucketStore) Add(ctx context.Context, keyID string, w Window, bucket int64, delta Counter) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.windowMap(keyID, w)
	c := m[bucket]
	c.Requests += delta.Requests
	c.Tokens += delta.Tokens
	m[bucket] = c
	return c, nil
}

func (s *InMemoryBucketStore) Get(ctx context.Context, keyID string, w Window, bucket int64) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.buckets[keyID]
	if !ok {
		return Counter{}, nil
	}
	return set[w][bucket], nil
}

func (s *InMemoryBucketStore) Buckets(ctx context.Context, keyID string, w Window) (map[int64]Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]Counter)
	set, ok := s.buckets[keyID]
	if !ok {
		return out, nil
	}
	for b, c := range set[w] {
		out[b] = c
	}
	return out, nil
}

func (s *InMemoryBucketStore) Prune(ctx context.Context, keyID string, w Window, before int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.buckets[keyID]
	if !ok {
		return 0, nil
	}

	removed := 0
	for b := range set[w] {
		if b < before {
			delete(set[w], b)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryBucketStore) Purge(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, keyID)
	return nil
}
