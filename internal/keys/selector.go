package keys

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/metrics"
	"github.com/felipepmaragno/ai-router/internal/ratelimit"
)

type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	LeastUsed  Strategy = "least_used"
	Random     Strategy = "random"
)

// ParseStrategy accepts the strategy names and "" for the default round robin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", RoundRobin:
		return RoundRobin, nil
	case LeastUsed, Random:
		return Strategy(s), nil
	default:
		return "", domain.NewValidationError("strategy", fmt.Sprintf("unknown strategy %q", s))
	}
}

// Selector picks a usable key for a provider. A key is usable when it is active,
// carries the required permissions, is visible to the caller and is not rate limited.
type Selector struct {
	registry *Registry
	tracker  *ratelimit.Tracker
	intN     func(n int) int

	cursors sync.Map // provider -> *atomic.Uint64
}

// NewSelector creates a selector over the registry's active keys.
func NewSelector(registry *Registry, tracker *ratelimit.Tracker) *Selector {
	return &Selector{
		registry: registry,
		tracker:  tracker,
		intN:     rand.IntN,
	}
}

func (s *Selector) available(ctx context.Context, provider, userID string, required []string) []domain.KeyRecord {
	var out []domain.KeyRecord
	for _, rec := range s.registry.activeKeys(provider) {
		if !rec.HasPermissions(required) {
			continue
		}
		if !s.registry.Authorized(userID, rec.KeyInfo) {
			continue
		}
		if s.tracker.IsRateLimited(ctx, rec.ID) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// AvailableKeys lists usable keys. Callers must not depend on the order.
func (s *Selector) AvailableKeys(ctx context.Context, provider, userID string, required []string) []domain.KeyInfo {
	recs := s.available(ctx, provider, userID, required)
	out := make([]domain.KeyInfo, len(recs))
	for i, rec := range recs {
		out[i] = rec.KeyInfo
	}
	return out
}

// SelectBestKey returns nil without an error when the provider has no usable key.
func (s *Selector) SelectBestKey(ctx context.Context, provider, userID string, required []string, strategy Strategy) (*domain.Key, error) {
	candidates := s.available(ctx, provider, userID, required)
	if len(candidates) == 0 {
		metrics.RecordKeySelection(provider, string(strategy), false)
		return nil, nil
	}

	var chosen domain.KeyRecord
	switch strategy {
	case LeastUsed:
		chosen = candidates[0]
		fewest := s.tracker.TotalRequests(chosen.ID)
		for _, rec := range candidates[1:] {
			if n := s.tracker.TotalRequests(rec.ID); n < fewest {
				chosen, fewest = rec, n
			}
		}
	case Random:
		chosen = candidates[s.intN(len(candidates))]
	default:
		strategy = RoundRobin
		next := s.cursor(provider).Add(1) - 1
		chosen = candidates[next%uint64(len(candidates))]
	}

	metrics.RecordKeySelection(provider, string(strategy), true)
	return s.registry.decrypt(chosen)
}

func (s *Selector) cursor(provider string) *atomic.Uint64 {
	if c, ok := s.cursors.Load(provider); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := s.cursors.LoadOrStore(provider, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// Signals summarizes a provider's key pool for routing. Load is the share of active
// keys currently rate limited and QuotaUsed the mean key utilization. A provider
// without active keys reports zero for both.
func (s *Selector) Signals(ctx context.Context, provider string) (domain.ProviderSignals, error) {
	active := s.registry.activeKeys(provider)
	if len(active) == 0 {
		return domain.ProviderSignals{}, nil
	}

	var limited int
	var utilization float64
	for _, rec := range active {
		if err := ctx.Err(); err != nil {
			return domain.ProviderSignals{}, err
		}
		if s.tracker.IsRateLimited(ctx, rec.ID) {
			limited++
		}
		utilization += s.tracker.Utilization(ctx, rec.ID)
	}

	n := float64(len(active))
	return domain.ProviderSignals{
		Load:      float64(limited) / n,
		QuotaUsed: utilization / n,
	}, nil
}
