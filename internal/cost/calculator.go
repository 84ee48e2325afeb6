package cost

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Blended is the price used when only a total token count is known.
func (p ModelPricing) Blended() float64 {
	return (p.InputPer1K + p.OutputPer1K) / 2
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4":                      {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":                {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":                     {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":                {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":              {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"llama3":                     {},
}

type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	return &Calculator{
		pricing: maps.Clone(defaultPricing),
	}
}

// Calculate prices usage for model. Unknown models cost zero.
func (c *Calculator) Calculate(model string, usage domain.Usage) float64 {
	c.mu.RLock()
	pricing, ok := c.pricing[model]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return float64(usage.Tokens) / 1000 * pricing.Blended()
	}

	inputCost := float64(usage.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

func (c *Calculator) Pricing(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pricing[model]
	return p, ok
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}

type UsageRecord struct {
	KeyID        string
	Provider     string
	Model        string
	RequestID    string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	Failed       bool
	Timestamp    time.Time
}

// UsageLog is an append-only audit of key usage.
type UsageLog interface {
	Record(ctx context.Context, record UsageRecord) error
	KeyUsage(ctx context.Context, keyID string, since time.Time) ([]UsageRecord, error)
	KeyTotalCost(ctx context.Context, keyID string, since time.Time) (float64, error)
}

type InMemoryUsageLog struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewInMemoryUsageLog() *InMemoryUsageLog {
	return &InMemoryUsageLog{
		records: make([]UsageRecord, 0),
	}
}

func (l *InMemoryUsageLog) Record(ctx context.Context, record UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, record)
	return nil
}

func (l *InMemoryUsageLog) KeyUsage(ctx context.Context, keyID string, since time.Time) ([]UsageRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []UsageRecord
	for _, r := range l.records {
		if r.KeyID == keyID && !r.Timestamp.Before(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (l *InMemoryUsageLog) KeyTotalCost(ctx context.Context, keyID string, since time.Time) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total float64
	for _, r := range l.records {
		if r.KeyID == keyID && !r.Timestamp.Before(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (l *InMemoryUsageLog) Records() []UsageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]UsageRecord, len(l.records))
	copy(result, l.records)
	return result
}
