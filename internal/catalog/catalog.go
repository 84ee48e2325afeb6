// Package catalog holds the capabilities of every routable model.
package catalog

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

// Tier ranks how demanding a task a model can handle.
type Tier int

const (
	TierBasic Tier = iota + 1
	TierStandard
	TierAdvanced
)

func (t Tier) String() string {
	switch t {
	case TierBasic:
		return "basic"
	case TierStandard:
		return "standard"
	case TierAdvanced:
		return "advanced"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

type ModelCapability struct {
	Name            string        `json:"name"`
	Provider        string        `json:"provider"`
	MaxTokens       int           `json:"max_tokens"`
	Strengths       []string      `json:"strengths,omitempty"`
	Weaknesses      []string      `json:"weaknesses,omitempty"`
	CostPer1K       float64       `json:"cost_per_1k"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	SuccessRate     float64       `json:"success_rate"`
	Tier            Tier          `json:"tier"`
}

func (m ModelCapability) StrongAt(task string) bool {
	return slices.Contains(m.Strengths, task)
}

func (m ModelCapability) WeakAt(task string) bool {
	return slices.Contains(m.Weaknesses, task)
}

// EstimateCost prices tokens at the model's blended per-1K rate.
func (m ModelCapability) EstimateCost(tokens int) float64 {
	return m.CostPer1K * float64(tokens) / 1000
}

func (m ModelCapability) validate() error {
	switch {
	case strings.TrimSpace(m.Name) == "":
		return domain.NewValidationError("name", "is required")
	case strings.TrimSpace(m.Provider) == "":
		return domain.NewValidationError("provider", "is required")
	case m.MaxTokens <= 0:
		return domain.NewValidationError("max_tokens", "must be > 0")
	case m.CostPer1K < 0:
		return domain.NewValidationError("cost_per_1k", "must be >= 0")
	case m.SuccessRate < 0 || m.SuccessRate > 1:
		return domain.NewValidationError("success_rate", "must be within [0,1]")
	case m.Tier < TierBasic || m.Tier > TierAdvanced:
		return domain.NewValidationError("tier", "must be basic, standard or advanced")
	}
	return nil
}

func DefaultModels() []ModelCapability {
	return []ModelCapability{
		{
			Name: "gpt-4", Provider: "openai", MaxTokens: 8192,
			Strengths:  []string{"reasoning", "analysis", "code"},
			Weaknesses: []string{"speed"},
			CostPer1K:  0.06, AvgResponseTime: 4 * time.Second, SuccessRate: 0.98, Tier: TierAdvanced,
		},
		{
			Name: "gpt-4o", Provider: "openai", MaxTokens: 128000,
			Strengths: []string{"reasoning", "code", "vision", "chat"},
			CostPer1K: 0.01, AvgResponseTime: 2 * time.Second, SuccessRate: 0.98, Tier: TierAdvanced,
		},
		{
			Name: "gpt-4o-mini", Provider: "openai", MaxTokens: 128000,
			Strengths:  []string{"chat", "summarization", "classification"},
			Weaknesses: []string{"reasoning"},
			CostPer1K:  0.0004, AvgResponseTime: 900 * time.Millisecond, SuccessRate: 0.97, Tier: TierStandard,
		},
		{
			Name: "gpt-3.5-turbo", Provider: "openai", MaxTokens: 16385,
			Strengths:  []string{"chat", "summarization"},
			Weaknesses: []string{"reasoning", "code"},
			CostPer1K:  0.002, AvgResponseTime: 800 * time.Millisecond, SuccessRate: 0.97, Tier: TierBasic,
		},
		{
			Name: "claude-3-opus-20240229", Provider: "anthropic", MaxTokens: 200000,
			Strengths:  []string{"reasoning", "analysis", "writing"},
			Weaknesses: []string{"speed"},
			CostPer1K:  0.045, AvgResponseTime: 5 * time.Second, SuccessRate: 0.98, Tier: TierAdvanced,
		},
		{
			Name: "claude-3-5-sonnet-20241022", Provider: "anthropic", MaxTokens: 200000,
			Strengths: []string{"code", "writing", "analysis"},
			CostPer1K: 0.009, AvgResponseTime: 2500 * time.Millisecond, SuccessRate: 0.98, Tier: TierAdvanced,
		},
		{
			Name: "claude-3-haiku-20240307", Provider: "anthropic", MaxTokens: 200000,
			Strengths:  []string{"chat", "classification", "summarization"},
			Weaknesses: []string{"reasoning"},
			CostPer1K:  0.00075, AvgResponseTime: 700 * time.Millisecond, SuccessRate: 0.97, Tier: TierBasic,
		},
		{
			Name: "llama3", Provider: "ollama", MaxTokens: 8192,
			Strengths:  []string{"chat"},
			Weaknesses: []string{"reasoning", "code", "vision"},
			CostPer1K:  0, AvgResponseTime: 3 * time.Second, SuccessRate: 0.92, Tier: TierBasic,
		},
	}
}

// Catalog is safe for concurrent use. Lookups return copies.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]ModelCapability
}

// New registers every model; a later entry with the same name replaces an earlier one.
func New(models ...ModelCapability) (*Catalog, error) {
	c := &Catalog{models: make(map[string]ModelCapability, len(models))}
	for _, m := range models {
		if err := c.Register(m); err != nil {
			return nil, fmt.Errorf("register %s: %w", m.Name, err)
		}
	}
	return c, nil
}

func NewDefault() *Catalog {
	c, err := New(DefaultModels()...)
	if err != nil {
		panic(err)
	}
	return c
}

// Register adds or replaces a model.
func (c *Catalog) Register(m ModelCapability) error {
	if err := m.validate(); err != nil {
		return err
	}
	m.Strengths = slices.Clone(m.Strengths)
	m.Weaknesses = slices.Clone(m.Weaknesses)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.Name] = m
	return nil
}

func (c *Catalog) Get(name string) (ModelCapability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[name]
	return m, ok
}

// List returns all models ordered by name.
func (c *Catalog) List() []ModelCapability {
	c.mu.RLock()
	out := make([]ModelCapability, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b ModelCapability) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func (c *Catalog) TierOf(name string) (Tier, bool) {
	m, ok := c.Get(name)
	return m.Tier, ok
}

func (c *Catalog) ProviderOf(name string) (string, bool) {
	m, ok := c.Get(name)
	return m.Provider, ok
}

// MaxCost is the highest CostPer1K across the catalog.
func (c *Catalog) MaxCost() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var highest float64
	for _, m := range c.models {
		highest = max(highest, m.CostPer1K)
	}
	return highest
}

// Blend folds live observations into the stored averages with weight alpha.
// Metrics without samples are ignored.
func (c *Catalog) Blend(name string, live LiveMetrics, alpha float64) error {
	if live.Samples <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.models[name]
	if !ok {
		return domain.ErrModelNotFound
	}

	if live.AvgResponseTime > 0 {
		blended := (1-alpha)*float64(m.AvgResponseTime) + alpha*float64(live.AvgResponseTime)
		m.AvgResponseTime = time.Duration(blended)
	}
	if live.SuccessRate >= 0 && live.SuccessRate <= 1 {
		m.SuccessRate = (1-alpha)*m.SuccessRate + alpha*live.SuccessRate
	}
	c.models[name] = m
	return nil
}
