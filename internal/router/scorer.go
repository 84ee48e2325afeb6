package router

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/catalog"
	"github.com/felipepmaragno/ai-router/internal/domain"
)

const (
	preferredBonus = 0.10
	pinnedBonus    = 1.00
)

// DecisionContext is everything the scorer needs to know about one request.
type DecisionContext struct {
	Request         Request
	TaskType        string
	Complexity      catalog.Tier
	Tokens          int
	Preference      domain.UserPreference
	PinnedModel     string
	UserPerformance map[string]float64
	MaxCost         float64

	recommended []string
}

// Budget is the request ceiling, or the user's when the request has none.
func (dc DecisionContext) Budget() float64 {
	if dc.Request.BudgetLimit > 0 {
		return dc.Request.BudgetLimit
	}
	return dc.Preference.BudgetLimit
}

type Scores struct {
	Performance  float64 `json:"performance"`
	Cost         float64 `json:"cost"`
	Quality      float64 `json:"quality"`
	Availability float64 `json:"availability"`
	Weighted     float64 `json:"weighted"`
	Bonus        float64 `json:"bonus"`
	Total        float64 `json:"total"`
}

// Confidence is the weighted part of the score clamped to [0,1].
func (s Scores) Confidence() float64 {
	return min(max(s.Weighted, 0), 1)
}

type Scorer struct {
	mu      sync.RWMutex
	weights domain.Weights
}

// NewScorer creates a scorer with w, or with the default weights when w sums to zero.
func NewScorer(w domain.Weights) *Scorer {
	if w.Sum() <= 0 {
		w = domain.DefaultWeights()
	}
	return &Scorer{weights: w}
}

func (s *Scorer) Weights() domain.Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights
}

func (s *Scorer) SetWeights(w domain.Weights) error {
	if err := domain.Validate(w); err != nil {
		return err
	}
	if w.Sum() <= 0 {
		return domain.NewValidationError("weights", "must not all be zero")
	}
	s.mu.Lock()
	s.weights = w
	s.mu.Unlock()
	return nil
}

// Evaluate scores one candidate. It fails when the candidate's data cannot produce
// a finite score.
func (s *Scorer) Evaluate(dc DecisionContext, m catalog.ModelCapability, signals domain.ProviderSignals) (Scores, error) {
	w := s.Weights()

	sc := Scores{
		Performance:  performanceScore(dc, m),
		Cost:         costScore(dc, m),
		Quality:      qualityScore(dc, m),
		Availability: availabilityScore(signals),
	}
	for name, v := range map[string]float64{
		"performance":  sc.Performance,
		"cost":         sc.Cost,
		"quality":      sc.Quality,
		"availability": sc.Availability,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Scores{}, fmt.Errorf("%s score for %s is not a number", name, m.Name)
		}
	}

	sc.Weighted = (w.Performance*sc.Performance +
		w.Cost*sc.Cost +
		w.Quality*sc.Quality +
		w.Availability*sc.Availability) / w.Sum()

	if slices.Contains(dc.Preference.PreferredModels, m.Name) {
		sc.Bonus += preferredBonus
	}
	if dc.PinnedModel != "" && dc.PinnedModel == m.Name {
		sc.Bonus += pinnedBonus
	}
	sc.Total = sc.Weighted + sc.Bonus
	return sc, nil
}

func responseTarget(p domain.SpeedPreference) time.Duration {
	switch p {
	case domain.SpeedFast:
		return time.Second
	case domain.SpeedRelaxed:
		return 8 * time.Second
	default:
		return 3 * time.Second
	}
}

func performanceScore(dc DecisionContext, m catalog.ModelCapability) float64 {
	target := responseTarget(dc.Preference.SpeedPreference)

	rt := 1.0
	if m.AvgResponseTime > target {
		rt = float64(target) / float64(m.AvgResponseTime)
	}

	perf := 0.5*rt + 0.5*m.SuccessRate
	if h, ok := dc.UserPerformance[m.Name]; ok {
		perf = 0.7*perf + 0.3*h
	}
	return perf
}

func costScore(dc DecisionContext, m catalog.ModelCapability) float64 {
	if budget := dc.Budget(); budget > 0 {
		ratio := m.EstimateCost(dc.Tokens) / budget
		switch {
		case ratio <= 0.1:
			return 1.0
		case ratio <= 0.5:
			return 0.8
		case ratio <= 1.0:
			return 0.5
		default:
			return 0.2
		}
	}

	if dc.MaxCost <= 0 {
		return 1.0
	}
	return max(0, 1-m.CostPer1K/dc.MaxCost)
}

func qualityScore(dc DecisionContext, m catalog.ModelCapability) float64 {
	task := 0.6
	switch {
	case dc.TaskType == "":
	case m.StrongAt(dc.TaskType):
		task = 1.0
	case m.WeakAt(dc.TaskType):
		task = 0.2
	}

	required := max(dc.Complexity, catalog.TierBasic)
	if dc.Preference.QualityPreference == domain.QualityHigh {
		required = min(required+1, catalog.TierAdvanced)
	}

	tier := 0.2
	switch {
	case m.Tier >= required:
		tier = 1.0
	case m.Tier == required-1:
		tier = 0.6
	}

	return 0.5*task + 0.5*tier
}

func availabilityScore(s domain.ProviderSignals) float64 {
	a := 1.0
	switch {
	case s.Load > 0.8:
		a *= 0.7
	case s.Load > 0.6:
		a *= 0.9
	}
	switch {
	case s.QuotaUsed > 0.9:
		a *= 0.5
	case s.QuotaUsed > 0.7:
		a *= 0.8
	}
	return a
}
