// Package router decides which model, provider and key serve a request.
//
// A decision moves through buildContext, generateCandidates, evaluate, selectOptimal
// and acquireKey before it is recorded. When no candidate survives, the engine
// returns a degraded decision for the default model instead of an error.
package router

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/catalog"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/events"
	"github.com/felipepmaragno/ai-router/internal/keys"
	"github.com/felipepmaragno/ai-router/internal/metrics"
	"github.com/felipepmaragno/ai-router/internal/telemetry"
	"github.com/google/uuid"
)

const (
	degradedConfidence = 0.5
	fallbackConfidence = 0.5
	fallbackReason     = "low-confidence fallback"
)

type Config struct {
	DefaultModel     string        `json:"default_model"`
	DefaultProvider  string        `json:"default_provider"`
	Baseline         []string      `json:"baseline,omitempty"`
	MinConfidence    float64       `json:"min_confidence"`
	AnalyzerTimeout  time.Duration `json:"analyzer_timeout"`
	MaxAlternatives  int           `json:"max_alternatives"`
	DefaultTokens    int           `json:"default_tokens"`
	KeylessProviders []string      `json:"keyless_providers,omitempty"`
	HistorySize      int           `json:"history_size"`
}

func DefaultConfig() Config {
	return Config{
		DefaultModel:     "gpt-3.5-turbo",
		DefaultProvider:  "openai",
		MinConfidence:    0.3,
		AnalyzerTimeout:  100 * time.Millisecond,
		MaxAlternatives:  3,
		DefaultTokens:    1000,
		KeylessProviders: []string{"ollama"},
		HistorySize:      DefaultHistorySize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultModel == "" {
		c.DefaultModel = d.DefaultModel
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = d.DefaultProvider
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.AnalyzerTimeout <= 0 {
		c.AnalyzerTimeout = d.AnalyzerTimeout
	}
	if c.MaxAlternatives <= 0 {
		c.MaxAlternatives = d.MaxAlternatives
	}
	if c.DefaultTokens <= 0 {
		c.DefaultTokens = d.DefaultTokens
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// KeySource hands out credentials for a provider. A nil key means the provider
// has none to spare.
type KeySource interface {
	SelectBestKey(ctx context.Context, provider, userID string, required []string, strategy keys.Strategy) (*domain.Key, error)
}

type SignalSource interface {
	Signals(ctx context.Context, provider string) (domain.ProviderSignals, error)
}

type PreferenceSource interface {
	UserPreference(userID string) (domain.UserPreference, bool)
}

type ProviderHealth interface {
	IsOpen(ctx context.Context, provider string) bool
}

type AuditSink interface {
	Audit(ctx context.Context, e HistoryEntry)
}

type Alternative struct {
	Model     string  `json:"model"`
	Provider  string  `json:"provider"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Decision is immutable once returned. Key carries the decrypted credential and is
// never serialized.
type Decision struct {
	ID             string        `json:"id"`
	Model          string        `json:"model"`
	Provider       string        `json:"provider"`
	KeyID          string        `json:"key_id,omitempty"`
	Key            *domain.Key   `json:"-"`
	Confidence     float64       `json:"confidence"`
	Alternatives   []Alternative `json:"alternatives,omitempty"`
	Reasoning      []string      `json:"reasoning"`
	Degraded       bool          `json:"degraded,omitempty"`
	Fallback       bool          `json:"fallback,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	ProcessingTime time.Duration `json:"processing_time"`
}

type Engine struct {
	catalog   *catalog.Catalog
	scorer    *Scorer
	history   *History
	cfg       Config
	analyzer  ComplexityAnalyzer
	keys      KeySource
	signals   SignalSource
	prefs     PreferenceSource
	health    ProviderHealth
	audit     AuditSink
	publisher events.Publisher
	now       func() time.Time

	mu      sync.RWMutex
	abTests map[string]ABTest
}

type EngineOption func(*Engine)

func WithAnalyzer(a ComplexityAnalyzer) EngineOption {
	return func(e *Engine) { e.analyzer = a }
}

// WithKeySource attaches a credential to each decision.
func WithKeySource(k KeySource) EngineOption {
	return func(e *Engine) { e.keys = k }
}

func WithSignalSource(s SignalSource) EngineOption {
	return func(e *Engine) { e.signals = s }
}

func WithPreferences(p PreferenceSource) EngineOption {
	return func(e *Engine) { e.prefs = p }
}

func WithHealth(h ProviderHealth) EngineOption {
	return func(e *Engine) { e.health = h }
}

func WithAudit(a AuditSink) EngineOption {
	return func(e *Engine) { e.audit = a }
}

func WithPublisher(p events.Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the catalog. A nil scorer uses the default
// weights; zero Config fields take their defaults.
func NewEngine(c *catalog.Catalog, scorer *Scorer, cfg Config, opts ...EngineOption) *Engine {
	cfg = cfg.withDefaults()
	if scorer == nil {
		scorer = NewScorer(domain.DefaultWeights())
	}
	e := &Engine{
		catalog:   c,
		scorer:    scorer,
		history:   NewHistory(cfg.HistorySize),
		cfg:       cfg,
		analyzer:  NewHeuristicAnalyzer(c),
		publisher: events.Nop{},
		now:       time.Now,
		abTests:   make(map[string]ABTest),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Scorer() *Scorer {
	return e.scorer
}

func (e *Engine) History() *History {
	return e.history
}

// Statistics summarizes recorded decisions made at or after since.
func (e *Engine) Statistics(since time.Time) Statistics {
	return e.history.Statistics(since)
}

type candidate struct {
	model  catalog.ModelCapability
	scores Scores
}

// MakeRoutingDecision always returns a decision. Problems along the way end up in
// its reasoning, and a decision with no usable candidate is marked degraded.
func (e *Engine) MakeRoutingDecision(ctx context.Context, req Request) *Decision {
	start := e.now()
	ctx, span := telemetry.StartSpan(ctx, "router.decide")
	defer span.End()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	d := &Decision{
		ID:        uuid.NewString(),
		Timestamp: start,
	}

	dc := e.buildContext(ctx, req, d)
	telemetry.AddRequestAttributes(span, req.UserID, req.ID, dc.TaskType)

	models := e.generateCandidates(ctx, dc, d)
	ranked := e.evaluate(ctx, dc, models, d)

	switch {
	case ctx.Err() != nil:
		e.degrade(d, fmt.Sprintf("request cancelled before selection: %v", ctx.Err()))
	case len(models) == 0:
		e.degrade(d, "no candidate model satisfies the request constraints")
	case len(ranked) == 0:
		e.degrade(d, "every candidate failed evaluation")
	default:
		ranked = e.selectOptimal(ranked, d)
	}

	e.acquireKey(ctx, req, ranked, d)

	d.ProcessingTime = e.now().Sub(start)
	e.record(ctx, req, dc, d)

	telemetry.AddDecisionAttributes(span, d.Provider, d.Model, d.Confidence, len(models))
	telemetry.AddOutcomeAttributes(span, d.Degraded, d.Fallback, d.Key != nil)
	return d
}

func (e *Engine) buildContext(ctx context.Context, req Request, d *Decision) DecisionContext {
	dc := DecisionContext{
		Request:    req,
		TaskType:   req.TaskType,
		Complexity: req.Complexity,
		Tokens:     req.MaxTokens,
		MaxCost:    e.catalog.MaxCost(),
	}
	if dc.Tokens <= 0 {
		dc.Tokens = e.cfg.DefaultTokens
	}

	analysis, err := e.analyze(ctx, req)
	if err != nil {
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("complexity analysis unavailable: %v", err))
	} else {
		if dc.TaskType == "" {
			dc.TaskType = analysis.TaskType
		}
		if dc.Complexity == 0 {
			dc.Complexity = analysis.Complexity
		}
		dc.recommended = analysis.RecommendedModels
	}
	if dc.Complexity == 0 {
		dc.Complexity = catalog.TierStandard
	}

	if e.prefs != nil && req.UserID != "" {
		if pref, ok := e.prefs.UserPreference(req.UserID); ok {
			dc.Preference = pref
		}
	}

	if model, testID := e.pinnedModel(req.UserID); model != "" {
		dc.PinnedModel = model
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("user is in A/B test %s pinning %s", testID, model))
	}

	dc.UserPerformance = e.history.UserPerformance(req.UserID)
	return dc
}

// analyze bounds the analyzer with AnalyzerTimeout. A slow analyzer keeps running
// in the background but its result is discarded.
func (e *Engine) analyze(ctx context.Context, req Request) (Analysis, error) {
	if e.analyzer == nil {
		return Analysis{}, errors.New("no analyzer configured")
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.AnalyzerTimeout)
	defer cancel()

	type result struct {
		analysis Analysis
		err      error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("analyzer panicked: %v", r)}
			}
		}()
		a, err := e.analyzer.Analyze(actx, req)
		done <- result{a, err}
	}()

	select {
	case r := <-done:
		return r.analysis, r.err
	case <-actx.Done():
		return Analysis{}, actx.Err()
	}
}

func (e *Engine) candidateNames(dc DecisionContext) []string {
	baseline := e.cfg.Baseline
	if len(baseline) == 0 {
		for _, m := range e.catalog.List() {
			baseline = append(baseline, m.Name)
		}
	}

	seen := make(map[string]bool)
	var names []string
	for _, group := range [][]string{dc.recommended, dc.Preference.PreferredModels, baseline} {
		for _, name := range group {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

func (e *Engine) generateCandidates(ctx context.Context, dc DecisionContext, d *Decision) []catalog.ModelCapability {
	req := dc.Request
	budget := dc.Budget()
	unhealthy := make(map[string]bool)

	var out []catalog.ModelCapability
	for _, name := range e.candidateNames(dc) {
		m, ok := e.catalog.Get(name)
		switch {
		case !ok:
			d.Reasoning = append(d.Reasoning, fmt.Sprintf("%s skipped: not in catalog", name))
			continue
		case req.MaxTokens > 0 && m.MaxTokens < req.MaxTokens:
			continue
		case slices.Contains(req.ExcludedModels, m.Name):
			continue
		case budget > 0 && m.EstimateCost(dc.Tokens) > budget:
			continue
		case req.PreferredProvider != "" && m.Provider != req.PreferredProvider:
			continue
		}

		if e.health != nil {
			open, checked := unhealthy[m.Provider]
			if !checked {
				open = e.health.IsOpen(ctx, m.Provider)
				unhealthy[m.Provider] = open
				if open {
					d.Reasoning = append(d.Reasoning, fmt.Sprintf("provider %s skipped: circuit open", m.Provider))
				}
			}
			if open {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func (e *Engine) evaluate(ctx context.Context, dc DecisionContext, models []catalog.ModelCapability, d *Decision) []candidate {
	signals := make(map[string]domain.ProviderSignals)

	var ranked []candidate
	for _, m := range models {
		if ctx.Err() != nil {
			return nil
		}

		sig, ok := signals[m.Provider]
		if !ok {
			sig = e.providerSignals(ctx, m.Provider)
			signals[m.Provider] = sig
		}

		sc, err := e.evaluateOne(dc, m, sig)
		if err != nil {
			metrics.RecordCandidateError(m.Name)
			d.Reasoning = append(d.Reasoning, fmt.Sprintf("%s dropped: %v", m.Name, err))
			continue
		}
		ranked = append(ranked, candidate{model: m, scores: sc})
	}

	slices.SortStableFunc(ranked, func(a, b candidate) int {
		if c := cmp.Compare(b.scores.Total, a.scores.Total); c != 0 {
			return c
		}
		if c := cmp.Compare(a.model.CostPer1K, b.model.CostPer1K); c != 0 {
			return c
		}
		return cmp.Compare(a.model.Name, b.model.Name)
	})
	return ranked
}

func (e *Engine) evaluateOne(dc DecisionContext, m catalog.ModelCapability, sig domain.ProviderSignals) (sc Scores, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation panicked: %v", r)
		}
	}()
	return e.scorer.Evaluate(dc, m, sig)
}

func (e *Engine) providerSignals(ctx context.Context, provider string) domain.ProviderSignals {
	if e.signals == nil {
		return domain.ProviderSignals{}
	}
	sig, err := e.signals.Signals(ctx, provider)
	if err != nil {
		slog.Debug("provider signals unavailable", "provider", provider, "error", err)
		return domain.ProviderSignals{}
	}
	return sig
}

// selectOptimal reorders ranked so the chosen candidate comes first.
func (e *Engine) selectOptimal(ranked []candidate, d *Decision) []candidate {
	best := ranked[0]
	if best.scores.Total >= e.cfg.MinConfidence {
		d.Confidence = best.scores.Confidence()
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("%s scored %.3f (performance %.2f, cost %.2f, quality %.2f, availability %.2f)",
			best.model.Name, best.scores.Total,
			best.scores.Performance, best.scores.Cost, best.scores.Quality, best.scores.Availability))
		e.choose(d, ranked, 0)
		return ranked
	}

	cheapest := 0
	for i, c := range ranked {
		if c.model.CostPer1K < ranked[cheapest].model.CostPer1K {
			cheapest = i
		}
	}

	d.Fallback = true
	d.Confidence = fallbackConfidence
	d.Reasoning = append(d.Reasoning, fallbackReason,
		fmt.Sprintf("best score %.3f below %.2f, using cheapest candidate %s", best.scores.Total, e.cfg.MinConfidence, ranked[cheapest].model.Name))

	reordered := make([]candidate, 0, len(ranked))
	reordered = append(reordered, ranked[cheapest])
	reordered = append(reordered, ranked[:cheapest]...)
	reordered = append(reordered, ranked[cheapest+1:]...)
	e.choose(d, reordered, 0)
	return reordered
}

// choose makes ranked[i] the winner and the best of the rest its alternatives.
func (e *Engine) choose(d *Decision, ranked []candidate, i int) {
	d.Model = ranked[i].model.Name
	d.Provider = ranked[i].model.Provider

	d.Alternatives = d.Alternatives[:0]
	for j, c := range ranked {
		if j == i {
			continue
		}
		if len(d.Alternatives) == e.cfg.MaxAlternatives {
			break
		}
		d.Alternatives = append(d.Alternatives, Alternative{
			Model:    c.model.Name,
			Provider: c.model.Provider,
			Score:    c.scores.Total,
			Reasoning: fmt.Sprintf("performance %.2f, cost %.2f, quality %.2f, availability %.2f",
				c.scores.Performance, c.scores.Cost, c.scores.Quality, c.scores.Availability),
		})
	}
}

func (e *Engine) degrade(d *Decision, reason string) {
	d.Degraded = true
	d.Model = e.cfg.DefaultModel
	d.Provider = e.cfg.DefaultProvider
	d.Confidence = degradedConfidence
	d.Alternatives = nil
	d.Reasoning = append(d.Reasoning, "degraded: "+reason,
		fmt.Sprintf("using default model %s on %s", e.cfg.DefaultModel, e.cfg.DefaultProvider))
}

func (e *Engine) keyless(provider string) bool {
	return slices.Contains(e.cfg.KeylessProviders, provider)
}

// acquireKey attaches a credential for the winner. When its provider is exhausted
// the alternatives are tried in rank order, or cheapest first for a fallback.
func (e *Engine) acquireKey(ctx context.Context, req Request, ranked []candidate, d *Decision) {
	if e.keys == nil || e.keyless(d.Provider) {
		return
	}
	if ctx.Err() != nil {
		d.Reasoning = append(d.Reasoning, "key acquisition skipped: request cancelled")
		return
	}

	if d.Degraded {
		if key := e.selectKey(ctx, req, d.Provider, d); key != nil {
			d.Key, d.KeyID = key, key.ID
		}
		return
	}

	order := make([]int, len(ranked))
	for i := range order {
		order[i] = i
	}
	if d.Fallback {
		slices.SortStableFunc(order, func(a, b int) int {
			return cmp.Compare(ranked[a].model.CostPer1K, ranked[b].model.CostPer1K)
		})
	}

	tried := make(map[string]bool)
	for n, i := range order {
		if n > e.cfg.MaxAlternatives {
			break
		}
		c := ranked[i]
		provider := c.model.Provider
		if e.keyless(provider) {
			if i > 0 {
				e.switchTo(d, ranked, i)
			}
			return
		}
		if tried[provider] {
			continue
		}
		tried[provider] = true

		key := e.selectKey(ctx, req, provider, d)
		if key == nil {
			d.Reasoning = append(d.Reasoning, fmt.Sprintf("provider %s has no available key", provider))
			continue
		}
		if i > 0 {
			e.switchTo(d, ranked, i)
		}
		d.Key, d.KeyID = key, key.ID
		return
	}

	d.Reasoning = append(d.Reasoning, "no available key for any candidate provider")
}

// switchTo moves the decision to ranked[i]. A fallback stays a fallback and
// keeps its fixed confidence.
func (e *Engine) switchTo(d *Decision, ranked []candidate, i int) {
	previous := d.Model
	e.choose(d, ranked, i)
	if !d.Fallback {
		d.Confidence = ranked[i].scores.Confidence()
	}
	d.Reasoning = append(d.Reasoning, fmt.Sprintf("switched from %s to alternative %s", previous, d.Model))
}

func (e *Engine) selectKey(ctx context.Context, req Request, provider string, d *Decision) *domain.Key {
	key, err := e.keys.SelectBestKey(ctx, provider, req.UserID, req.RequiredPermissions, req.Strategy)
	if err != nil {
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("key selection for %s failed: %v", provider, err))
		return nil
	}
	return key
}

func (e *Engine) record(ctx context.Context, req Request, dc DecisionContext, d *Decision) {
	entry := HistoryEntry{
		DecisionID:     d.ID,
		Model:          d.Model,
		Provider:       d.Provider,
		KeyID:          d.KeyID,
		Confidence:     d.Confidence,
		Degraded:       d.Degraded,
		Fallback:       d.Fallback,
		ProcessingTime: d.ProcessingTime,
		Timestamp:      d.Timestamp,
		UserID:         req.UserID,
		RequestID:      req.ID,
		TaskType:       dc.TaskType,
		Complexity:     dc.Complexity,
	}
	e.history.Append(entry)

	outcome := "selected"
	switch {
	case d.Degraded:
		outcome = "degraded"
	case d.Fallback:
		outcome = "fallback"
	}
	metrics.RecordDecision(d.Provider, d.Model, outcome, d.ProcessingTime.Seconds(), d.Confidence)

	if e.audit != nil {
		e.audit.Audit(context.WithoutCancel(ctx), entry)
	}

	if d.Degraded {
		e.publisher.Publish(context.WithoutCancel(ctx), events.Event{
			Type:     events.DecisionDegraded,
			Provider: d.Provider,
			Message:  "routing decision degraded to the default model",
			Data: map[string]any{
				"decision_id": d.ID,
				"request_id":  req.ID,
				"user_id":     req.UserID,
				"reasoning":   d.Reasoning,
			},
			Timestamp: d.Timestamp,
		})
	}

	slog.Debug("routing decision",
		"decision_id", d.ID,
		"request_id", req.ID,
		"model", d.Model,
		"provider", d.Provider,
		"confidence", d.Confidence,
		"outcome", outcome,
		"duration_ms", d.ProcessingTime.Milliseconds(),
	)
}
