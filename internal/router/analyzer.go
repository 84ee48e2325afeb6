package router

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/felipepmaragno/ai-router/internal/catalog"
	"github.com/felipepmaragno/ai-router/internal/keys"
)

// Request is what a caller wants routed. Zero values mean "no constraint".
type Request struct {
	ID                  string        `json:"id,omitempty"`
	UserID              string        `json:"user_id,omitempty"`
	Prompt              string        `json:"prompt,omitempty"`
	TaskType            string        `json:"task_type,omitempty"`
	Complexity          catalog.Tier  `json:"complexity,omitempty"`
	MaxTokens           int           `json:"max_tokens,omitempty" validate:"gte=0"`
	ExcludedModels      []string      `json:"excluded_models,omitempty"`
	PreferredProvider   string        `json:"preferred_provider,omitempty"`
	BudgetLimit         float64       `json:"budget_limit,omitempty" validate:"gte=0"`
	RequiredPermissions []string      `json:"required_permissions,omitempty"`
	Strategy            keys.Strategy `json:"strategy,omitempty"`
}

type Analysis struct {
	RecommendedModels []string     `json:"recommended_models"`
	TaskType          string       `json:"task_type"`
	Complexity        catalog.Tier `json:"complexity"`
}

type ComplexityAnalyzer interface {
	Analyze(ctx context.Context, req Request) (Analysis, error)
}

const (
	TaskChat           = "chat"
	TaskCode           = "code"
	TaskReasoning      = "reasoning"
	TaskAnalysis       = "analysis"
	TaskWriting        = "writing"
	TaskSummarization  = "summarization"
	TaskClassification = "classification"
	TaskVision         = "vision"
)

// checked in order, so earlier tasks win ties
var taskKeywords = []struct {
	task     string
	keywords []string
}{
	{TaskCode, []string{"code", "function", "bug", "compile", "refactor", "golang", "python", "sql", "stack trace", "unit test"}},
	{TaskReasoning, []string{"prove", "reason", "step by step", "math", "solve", "logic", "puzzle"}},
	{TaskAnalysis, []string{"analyze", "analyse", "analysis", "compare", "evaluate", "assess", "trade-off"}},
	{TaskSummarization, []string{"summarize", "summarise", "summary", "tl;dr", "key points"}},
	{TaskClassification, []string{"classify", "categorize", "label", "sentiment", "tag"}},
	{TaskWriting, []string{"write", "essay", "story", "draft", "poem", "blog"}},
	{TaskVision, []string{"image", "picture", "photo", "screenshot", "diagram"}},
}

var hardKeywords = []string{"complex", "detailed", "in depth", "architecture", "optimize", "prove", "rigorous"}

const recommendationLimit = 3

// HeuristicAnalyzer classifies prompts with keyword matching. It recommends the
// cheapest catalog models that are strong at the task and meet the tier.
type HeuristicAnalyzer struct {
	catalog *catalog.Catalog
}

func NewHeuristicAnalyzer(c *catalog.Catalog) *HeuristicAnalyzer {
	return &HeuristicAnalyzer{catalog: c}
}

func (a *HeuristicAnalyzer) Analyze(ctx context.Context, req Request) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}

	prompt := strings.ToLower(req.Prompt)

	task := req.TaskType
	if task == "" {
		task = detectTask(prompt)
	}

	complexity := req.Complexity
	if complexity == 0 {
		complexity = estimateComplexity(prompt, task)
	}

	return Analysis{
		RecommendedModels: a.recommend(task, complexity),
		TaskType:          task,
		Complexity:        complexity,
	}, nil
}

func detectTask(prompt string) string {
	best, bestHits := TaskChat, 0
	for _, tk := range taskKeywords {
		hits := 0
		for _, kw := range tk.keywords {
			if strings.Contains(prompt, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = tk.task, hits
		}
	}
	return best
}

func estimateComplexity(prompt, task string) catalog.Tier {
	words := len(strings.Fields(prompt))
	demanding := task == TaskCode || task == TaskReasoning || task == TaskAnalysis

	hard := false
	for _, kw := range hardKeywords {
		if strings.Contains(prompt, kw) {
			hard = true
			break
		}
	}

	switch {
	case words > 400, demanding && hard:
		return catalog.TierAdvanced
	case words > 100, demanding, task == TaskWriting:
		return catalog.TierStandard
	default:
		return catalog.TierBasic
	}
}

func (a *HeuristicAnalyzer) recommend(task string, tier catalog.Tier) []string {
	var fits []catalog.ModelCapability
	for _, m := range a.catalog.List() {
		if m.StrongAt(task) && m.Tier >= tier {
			fits = append(fits, m)
		}
	}
	slices.SortFunc(fits, func(x, y catalog.ModelCapability) int {
		if c := cmp.Compare(x.CostPer1K, y.CostPer1K); c != 0 {
			return c
		}
		return cmp.Compare(x.Name, y.Name)
	})

	names := make([]string, 0, min(len(fits), recommendationLimit))
	for _, m := range fits[:min(len(fits), recommendationLimit)] {
		names = append(names, m.Name)
	}
	return names
}
