package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/events"
	"github.com/felipepmaragno/ai-router/internal/metrics"
)

const lockStripes = 64

// Stats is a point-in-time view of a key's usage.
type Stats struct {
	TotalRequests int64                        `json:"total_requests"`
	TotalTokens   int64                        `json:"total_tokens"`
	TotalCost     float64                      `json:"total_cost"`
	LastUsed      time.Time                    `json:"last_used,omitzero"`
	Windows       map[string]map[int64]Counter `json:"windows"`
}

type entry struct {
	provider      string
	limits        domain.Limits
	totalRequests int64
	totalTokens   int64
	totalCost     float64
	lastUsed      time.Time
}

// Tracker records usage per key and answers whether a key is over its limits.
// A key is rate limited while any current window bucket meets or exceeds its limit;
// there is no separate cooldown.
type Tracker struct {
	store        BucketStore
	publisher    events.Publisher
	now          func() time.Time
	storeTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	locks   [lockStripes]sync.Mutex
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.storeTimeout = d }
}

func NewTracker(store BucketStore, opts ...Option) *Tracker {
	if store == nil {
		store = NewInMemoryBucketStore()
	}
	t := &Tracker{
		store:        store,
		publisher:    events.Nop{},
		now:          time.Now,
		storeTimeout: 200 * time.Millisecond,
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) lockFor(keyID string) *sync.Mutex {
	return &t.locks[xxhash.Sum64String(keyID)%lockStripes]
}

func (t *Tracker) get(keyID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[keyID]
	return e, ok
}

func (t *Tracker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.storeTimeout)
}

// Register starts tracking keyID with empty counters, discarding any previous state.
func (t *Tracker) Register(ctx context.Context, keyID, provider string, limits domain.Limits) error {
	l := t.lockFor(keyID)
	l.Lock()
	defer l.Unlock()

	sctx, cancel := t.withTimeout(ctx)
	defer cancel()
	if err := t.store.Purge(sctx, keyID); err != nil {
		return fmt.Errorf("reset usage for %s: %w", keyID, err)
	}

	t.mu.Lock()
	_, existed := t.entries[keyID]
	t.entries[keyID] = &entry{provider: provider, limits: limits}
	t.mu.Unlock()

	if existed {
		t.forgetBreaches(ctx, keyID)
	}
	return nil
}

// UpdateLimits swaps the key's limits and keeps its counters.
func (t *Tracker) UpdateLimits(keyID string, limits domain.Limits) error {
	e, ok := t.get(keyID)
	if !ok {
		return domain.ErrKeyNotFound
	}

	l := t.lockFor(keyID)
	l.Lock()
	e.limits = limits
	l.Unlock()
	return nil
}

// Remove drops the key and all of its buckets.
func (t *Tracker) Remove(ctx context.Context, keyID string) error {
	l := t.lockFor(keyID)
	l.Lock()
	defer l.Unlock()

	t.mu.Lock()
	delete(t.entries, keyID)
	t.mu.Unlock()

	t.forgetBreaches(ctx, keyID)

	sctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.store.Purge(sctx, keyID)
}

func breachKey(keyID string, w Window, bucket int64) string {
	return fmt.Sprintf("limit:%s:%s:%d", keyID, w, bucket)
}

// forgetBreaches lets a key that starts over from zero report its limits again.
func (t *Tracker) forgetBreaches(ctx context.Context, keyID string) {
	if f, ok := t.publisher.(events.Forgetter); ok {
		f.Forget(ctx, "limit:"+keyID+":")
	}
}

type breach struct {
	window  Window
	bucket  int64
	counter Counter
}

// Record adds one request with the given tokens and cost to the key's totals and
// to the current minute, hour and day buckets. A limit breach emits
// key_limit_exceeded once per key, window and bucket; it does not block the key.
func (t *Tracker) Record(ctx context.Context, keyID string, tokens int, cost float64) error {
	e, ok := t.get(keyID)
	if !ok {
		return domain.ErrKeyNotFound
	}

	now := t.now()
	var breaches []breach

	l := t.lockFor(keyID)
	l.Lock()
	// Remove or Register may have run between the lookup and the lock.
	if cur, ok := t.get(keyID); !ok || cur != e {
		l.Unlock()
		return domain.ErrKeyNotFound
	}
	e.totalRequests++
	e.totalTokens += int64(tokens)
	e.totalCost += cost
	e.lastUsed = now
	provider, limits := e.provider, e.limits

	sctx, cancel := t.withTimeout(ctx)
	var storeErr error
	for _, w := range Windows {
		bucket := w.Bucket(now)
		c, err := t.store.Add(sctx, keyID, w, bucket, Counter{Requests: 1, Tokens: int64(tokens)})
		if err != nil {
			storeErr = err
			continue
		}
		reqLimit, tokLimit := limitsFor(limits, w)
		if c.exceeds(reqLimit, tokLimit) {
			breaches = append(breaches, breach{window: w, bucket: bucket, counter: c})
		}
	}
	cancel()
	l.Unlock()

	for _, b := range breaches {
		metrics.RecordLimitExceeded(provider, b.window.String())
		reqLimit, tokLimit := limitsFor(limits, b.window)
		t.publisher.PublishOnce(ctx,
			breachKey(keyID, b.window, b.bucket),
			events.Event{
				Type:     events.KeyLimitExceeded,
				Provider: provider,
				KeyID:    keyID,
				Message:  fmt.Sprintf("key reached its per-%s limit", b.window),
				Data: map[string]any{
					"window":        b.window.String(),
					"bucket":        b.bucket,
					"requests":      b.counter.Requests,
					"tokens":        b.counter.Tokens,
					"request_limit": reqLimit,
					"token_limit":   tokLimit,
				},
				Timestamp: now,
			})
	}

	if storeErr != nil {
		return fmt.Errorf("record usage for %s: %w", keyID, storeErr)
	}
	return nil
}

// IsRateLimited reports whether any current bucket meets or exceeds its limit.
// Store errors fail open.
func (t *Tracker) IsRateLimited(ctx context.Context, keyID string) bool {
	e, ok := t.get(keyID)
	if !ok {
		return false
	}

	now := t.now()
	l := t.lockFor(keyID)
	l.Lock()
	defer l.Unlock()

	limits := e.limits
	sctx, cancel := t.withTimeout(ctx)
	defer cancel()

	for _, w := range Windows {
		reqLimit, tokLimit := limitsFor(limits, w)
		if reqLimit == 0 && tokLimit == 0 {
			continue
		}
		c, err := t.store.Get(sctx, keyID, w, w.Bucket(now))
		if err != nil {
			slog.Warn("usage store unavailable, treating key as not limited",
				"key_id", keyID,
				"window", w.String(),
				"error", err,
			)
			continue
		}
		if c.exceeds(reqLimit, tokLimit) {
			return true
		}
	}
	return false
}

// Utilization returns the highest used/limit ratio across the current buckets, in [0,1].
func (t *Tracker) Utilization(ctx context.Context, keyID string) float64 {
	e, ok := t.get(keyID)
	if !ok {
		return 0
	}

	now := t.now()
	l := t.lockFor(keyID)
	l.Lock()
	defer l.Unlock()

	limits := e.limits
	sctx, cancel := t.withTimeout(ctx)
	defer cancel()

	var highest float64
	for _, w := range Windows {
		reqLimit, tokLimit := limitsFor(limits, w)
		if reqLimit == 0 && tokLimit == 0 {
			continue
		}
		c, err := t.store.Get(sctx, keyID, w, w.Bucket(now))
		if err != nil {
			continue
		}
		if reqLimit > 0 {
			highest = max(highest, float64(c.Requests)/float64(reqLimit))
		}
		if tokLimit > 0 {
			highest = max(highest, float64(c.Tokens)/float64(tokLimit))
		}
	}
	return min(highest, 1)
}

// TotalRequests returns the cumulative request count without touching the store.
func (t *Tracker) TotalRequests(keyID string) int64 {
	e, ok := t.get(keyID)
	if !ok {
		return 0
	}
	l := t.lockFor(keyID)
	l.Lock()
	defer l.Unlock()
	return e.totalRequests
}

func (t *Tracker) Stats(ctx context.Context, keyID string) (Stats, error) {
	e, ok := t.get(keyID)
	if !ok {
		return Stats{}, domain.ErrKeyNotFound
	}

	l := t.lockFor(keyID)
	l.Lock()
	defer l.Unlock()

	stats := Stats{
		TotalRequests: e.totalRequests,
		TotalTokens:   e.totalTokens,
		TotalCost:     e.totalCost,
		LastUsed:      e.lastUsed,
		Windows:       make(map[string]map[int64]Counter, len(Windows)),
	}

	sctx, cancel := t.withTimeout(ctx)
	defer cancel()
	for _, w := range Windows {
		buckets, err := t.store.Buckets(sctx, keyID, w)
		if err != nil {
			return Stats{}, fmt.Errorf("load %s buckets: %w", w, err)
		}
		stats.Windows[w.String()] = buckets
	}
	return stats, nil
}

func (t *Tracker) keyIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}

// Cleanup prunes buckets that ended before the current day window.
func (t *Tracker) Cleanup(ctx context.Context) (int, error) {
	cutoff := t.now().Add(-Day.Size())
	removed := 0

	for _, keyID := range t.keyIDs() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		l := t.lockFor(keyID)
		l.Lock()
		sctx, cancel := t.withTimeout(ctx)
		for _, w := range Windows {
			n, err := t.store.Prune(sctx, keyID, w, w.Bucket(cutoff))
			if err != nil {
				cancel()
				l.Unlock()
				return removed, fmt.Errorf("prune %s: %w", keyID, err)
			}
			removed += n
		}
		cancel()
		l.Unlock()
	}
	return removed, nil
}

// RunCleanup prunes stale buckets every interval until ctx is cancelled.
func (t *Tracker) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := t.Cleanup(ctx)
			metrics.RecordJobRun("bucket_cleanup", err)
			if err != nil {
				slog.Warn("bucket cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Debug("pruned usage buckets", "removed", removed)
			}
		}
	}
}
