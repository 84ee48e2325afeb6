package catalog

import (
	"errors"
	"testing"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

func TestNewDefault(t *testing.T) {
	c := NewDefault()

	tests := []struct {
		model    string
		provider string
		tier     Tier
	}{
		{"gpt-4", "openai", TierAdvanced},
		{"gpt-3.5-turbo", "openai", TierBasic},
		{"claude-3-haiku-20240307", "anthropic", TierBasic},
		{"llama3", "ollama", TierBasic},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, ok := c.ProviderOf(tt.model)
			if !ok || p != tt.provider {
				t.Errorf("ProviderOf() = (%q, %v), want %q", p, ok, tt.provider)
			}
			tier, _ := c.TierOf(tt.model)
			if tier != tt.tier {
				t.Errorf("TierOf() = %s, want %s", tier, tt.tier)
			}
		})
	}

	if _, ok := c.Get("unknown"); ok {
		t.Error("Get() should miss unknown models")
	}
	if c.MaxCost() != 0.06 {
		t.Errorf("MaxCost() = %v, want 0.06", c.MaxCost())
	}
}

func TestCatalog_ListIsSorted(t *testing.T) {
	list := NewDefault().List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Fatalf("List() not sorted at %d: %s > %s", i, list[i-1].Name, list[i].Name)
		}
	}
}

func TestCatalog_RegisterValidation(t *testing.T) {
	c, _ := New()
	valid := ModelCapability{Name: "m", Provider: "p", MaxTokens: 10, SuccessRate: 0.9, Tier: TierBasic}

	tests := []struct {
		name   string
		mutate func(*ModelCapability)
	}{
		{"missing name", func(m *ModelCapability) { m.Name = "" }},
		{"missing provider", func(m *ModelCapability) { m.Provider = " " }},
		{"zero max tokens", func(m *ModelCapability) { m.MaxTokens = 0 }},
		{"negative cost", func(m *ModelCapability) { m.CostPer1K = -1 }},
		{"success above one", func(m *ModelCapability) { m.SuccessRate = 1.5 }},
		{"unknown tier", func(m *ModelCapability) { m.Tier = 7 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			if err := c.Register(m); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Register() error = %v, want ErrValidation", err)
			}
		})
	}

	if err := c.Register(valid); err != nil {
		t.Fatalf("Register(valid) error = %v", err)
	}
}

func TestCatalog_Blend(t *testing.T) {
	c, _ := New(ModelCapability{
		Name: "m", Provider: "p", MaxTokens: 10,
		AvgResponseTime: time.Second, SuccessRate: 1, Tier: TierBasic,
	})

	err := c.Blend("m", LiveMetrics{AvgResponseTime: 2 * time.Second, SuccessRate: 0, Samples: 5}, 0.1)
	if err != nil {
		t.Fatalf("Blend() error = %v", err)
	}

	m, _ := c.Get("m")
	if d := m.AvgResponseTime - 1100*time.Millisecond; d > time.Microsecond || d < -time.Microsecond {
		t.Errorf("AvgResponseTime = %v, want 1.1s", m.AvgResponseTime)
	}
	if m.SuccessRate < 0.8999 || m.SuccessRate > 0.9001 {
		t.Errorf("SuccessRate = %v, want 0.9", m.SuccessRate)
	}

	c.Blend("m", LiveMetrics{AvgResponseTime: time.Hour}, 0.1)
	if after, _ := c.Get("m"); after.AvgResponseTime != m.AvgResponseTime {
		t.Error("metrics without samples must be ignored")
	}

	if err := c.Blend("missing", LiveMetrics{Samples: 1}, 0.1); !errors.Is(err, domain.ErrModelNotFound) {
		t.Errorf("Blend() error = %v, want ErrModelNotFound", err)
	}
}

func TestModelCapability_Helpers(t *testing.T) {
	m := ModelCapability{CostPer1K: 0.06, Strengths: []string{"code"}, Weaknesses: []string{"speed"}}

	if !m.StrongAt("code") || m.StrongAt("speed") {
		t.Error("StrongAt() mismatch")
	}
	if !m.WeakAt("speed") || m.WeakAt("code") {
		t.Error("WeakAt() mismatch")
	}
	if got := m.EstimateCost(500); got < 0.0299 || got > 0.0301 {
		t.Errorf("EstimateCost(500) = %v, want 0.03", got)
	}
}
