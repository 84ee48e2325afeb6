// Package gateway assembles the key registry, usage tracker and routing engine
// into one service per process and owns their background jobs.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/cache"
	"github.com/felipepmaragno/ai-router/internal/catalog"
	"github.com/felipepmaragno/ai-router/internal/circuitbreaker"
	"github.com/felipepmaragno/ai-router/internal/config"
	"github.com/felipepmaragno/ai-router/internal/cost"
	"github.com/felipepmaragno/ai-router/internal/crypto"
	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/events"
	"github.com/felipepmaragno/ai-router/internal/keys"
	"github.com/felipepmaragno/ai-router/internal/notifications"
	"github.com/felipepmaragno/ai-router/internal/queue"
	"github.com/felipepmaragno/ai-router/internal/ratelimit"
	"github.com/felipepmaragno/ai-router/internal/repository"
	"github.com/felipepmaragno/ai-router/internal/router"
)

type Options struct {
	Keys   keys.Options
	Engine router.Config

	SignalTTL     time.Duration
	SignalTimeout time.Duration

	RotationSweepInterval  time.Duration
	CleanupInterval        time.Duration
	MetricsRefreshInterval time.Duration
	MetricsAlpha           float64
	AuditFlushInterval     time.Duration

	EventBufferSize int
}

func (o Options) withDefaults() Options {
	if o.SignalTTL <= 0 {
		o.SignalTTL = 5 * time.Second
	}
	if o.SignalTimeout <= 0 {
		o.SignalTimeout = 50 * time.Millisecond
	}
	if o.RotationSweepInterval <= 0 {
		o.RotationSweepInterval = time.Hour
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 10 * time.Minute
	}
	if o.MetricsRefreshInterval <= 0 {
		o.MetricsRefreshInterval = 5 * time.Minute
	}
	if o.AuditFlushInterval <= 0 {
		o.AuditFlushInterval = 5 * time.Second
	}
	return o
}

func OptionsFromConfig(cfg *config.Config) Options {
	engine := router.DefaultConfig()
	if cfg.DefaultModel != "" {
		engine.DefaultModel = cfg.DefaultModel
	}
	if cfg.DefaultProvider != "" {
		engine.DefaultProvider = cfg.DefaultProvider
	}
	engine.MinConfidence = cfg.MinConfidence
	engine.AnalyzerTimeout = cfg.AnalyzerTimeout
	engine.HistorySize = cfg.HistorySize

	return Options{
		Keys: keys.Options{
			MaxKeysPerProvider: cfg.MaxKeysPerProvider,
			RotationInterval:   cfg.RotationInterval,
		},
		Engine:                 engine,
		SignalTTL:              cfg.SignalTTL,
		SignalTimeout:          cfg.SignalTimeout,
		RotationSweepInterval:  cfg.RotationSweepInterval,
		CleanupInterval:        cfg.CleanupInterval,
		MetricsRefreshInterval: cfg.MetricsRefreshInterval,
		MetricsAlpha:           cfg.MetricsAlpha,
		AuditFlushInterval:     cfg.AuditFlushInterval,
	}
}

type Option func(*Service)

func WithKeyStore(s repository.KeyStore) Option {
	return func(svc *Service) { svc.keyStore = s }
}

func WithBucketStore(s ratelimit.BucketStore) Option {
	return func(svc *Service) { svc.bucketStore = s }
}

func WithUsageLog(l cost.UsageLog) Option {
	return func(svc *Service) { svc.usage = l }
}

func WithSignalCache(c cache.Cache) Option {
	return func(svc *Service) { svc.signalCache = c }
}

func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(svc *Service) { svc.breakers = m }
}

func WithDeduplicator(d events.Deduplicator) Option {
	return func(svc *Service) { svc.dedup = d }
}

func WithAuditQueue(q *queue.AuditQueue) Option {
	return func(svc *Service) { svc.audit = q }
}

// WithNotifier forwards every bus event to n.
func WithNotifier(n notifications.Notifier) Option {
	return func(svc *Service) { svc.notifiers = append(svc.notifiers, n) }
}

func WithMetricsSource(src catalog.MetricsSource) Option {
	return func(svc *Service) { svc.metricSources = append(svc.metricSources, src) }
}

func WithCatalog(c *catalog.Catalog) Option {
	return func(svc *Service) { svc.catalog = c }
}

func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// Service is the process-wide entry point. Create one with New, call Start once
// the registry is loaded and Close on shutdown.
type Service struct {
	opts Options
	now  func() time.Time

	keyStore      repository.KeyStore
	bucketStore   ratelimit.BucketStore
	usage         cost.UsageLog
	signalCache   cache.Cache
	breakers      *circuitbreaker.Manager
	dedup         events.Deduplicator
	audit         *queue.AuditQueue
	notifiers     []notifications.Notifier
	metricSources []catalog.MetricsSource
	catalog       *catalog.Catalog

	bus        *events.Bus
	tracker    *ratelimit.Tracker
	registry   *keys.Registry
	selector   *keys.Selector
	settings   *config.SettingsStore
	engine     *router.Engine
	calculator *cost.Calculator
	observer   *catalog.Observer
	refresher  *catalog.Refresher

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func New(cipher *crypto.Cipher, settings *config.SettingsStore, opts Options, options ...Option) (*Service, error) {
	if cipher == nil {
		return nil, domain.ErrMasterKeyRequired
	}

	s := &Service{
		opts: opts.withDefaults(),
		now:  time.Now,
	}
	for _, o := range options {
		o(s)
	}

	if settings == nil {
		var err error
		if settings, err = config.LoadSettings(""); err != nil {
			return nil, err
		}
	}
	s.settings = settings

	if s.keyStore == nil {
		s.keyStore = repository.NewInMemoryKeyStore()
	}
	if s.usage == nil {
		s.usage = cost.NewInMemoryUsageLog()
	}
	if s.signalCache == nil {
		s.signalCache = cache.NewInMemoryCache()
	}
	if s.breakers == nil {
		s.breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	}
	if s.catalog == nil {
		s.catalog = catalog.NewDefault()
	}

	s.bus = events.NewBus(s.opts.EventBufferSize, s.dedup)
	for _, n := range s.notifiers {
		s.bus.Subscribe(notifications.Forward(n))
	}

	s.tracker = ratelimit.NewTracker(s.bucketStore,
		ratelimit.WithClock(s.now),
		ratelimit.WithPublisher(s.bus),
	)
	s.registry = keys.NewRegistry(cipher, s.tracker, s.opts.Keys,
		keys.WithStore(s.keyStore),
		keys.WithPublisher(s.bus),
		keys.WithClock(s.now),
	)
	s.selector = keys.NewSelector(s.registry, s.tracker)
	s.calculator = cost.NewCalculator()
	s.observer = catalog.NewObserver()
	s.refresher = catalog.NewRefresher(s.catalog, append([]catalog.MetricsSource{s.observer}, s.metricSources...)...)
	if s.opts.MetricsAlpha > 0 {
		s.refresher.SetAlpha(s.opts.MetricsAlpha)
	}

	scorer := router.NewScorer(settings.Weights())
	engineOpts := []router.EngineOption{
		router.WithKeySource(s.selector),
		router.WithSignalSource(cache.NewCachedSource(s.selector, s.signalCache, s.opts.SignalTTL, s.opts.SignalTimeout)),
		router.WithPreferences(settings),
		router.WithHealth(s.breakers),
		router.WithPublisher(s.bus),
		router.WithClock(s.now),
	}
	if s.audit != nil {
		engineOpts = append(engineOpts, router.WithAudit(s.audit))
	}
	s.engine = router.NewEngine(s.catalog, scorer, s.opts.Engine, engineOpts...)

	settings.OnChange(func(st config.Settings) {
		if err := scorer.SetWeights(st.Weights); err != nil {
			slog.Warn("ignoring invalid routing weights", "error", err)
		}
	})

	return s, nil
}

// Load reads persisted keys and permissions into the registry.
func (s *Service) Load(ctx context.Context) error {
	return s.registry.Load(ctx)
}

// Start launches the background jobs. They stop when ctx is cancelled or Close is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.stopped {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.goJob(func() { s.bus.Run(ctx) })
	s.goJob(func() { s.registry.RunRotationSweep(ctx, s.opts.RotationSweepInterval) })
	s.goJob(func() { s.tracker.RunCleanup(ctx, s.opts.CleanupInterval) })
	s.goJob(func() { s.refresher.Run(ctx, s.opts.MetricsRefreshInterval) })

	if mc, ok := s.signalCache.(*cache.InMemoryCache); ok {
		s.goJob(func() { mc.RunCleanup(ctx, s.opts.CleanupInterval) })
	}
	if s.audit != nil {
		s.goJob(func() { s.audit.Run(ctx, s.opts.AuditFlushInterval) })
	}
	if s.settings.Path() != "" {
		s.goJob(func() {
			if err := s.settings.Watch(ctx); err != nil {
				slog.Warn("settings watcher stopped", "error", err)
			}
		})
	}

	slog.Info("gateway service started")
}

func (s *Service) goJob(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Close stops the background jobs and waits for them to return.
func (s *Service) Close() error {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// Shutdown is Close bounded by ctx. Jobs still running when ctx ends are abandoned.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

func (s *Service) Settings() *config.SettingsStore {
	return s.settings
}

func (s *Service) AddKey(ctx context.Context, in keys.AddKeyInput) (string, error) {
	return s.registry.AddKey(ctx, in)
}

func (s *Service) GetKey(ctx context.Context, provider, keyID string) (*domain.Key, error) {
	return s.registry.GetKey(ctx, provider, keyID)
}

func (s *Service) ListKeys(provider string) []domain.KeyInfo {
	return s.registry.ListKeys(provider)
}

func (s *Service) AvailableKeys(ctx context.Context, provider, userID string, required []string) []domain.KeyInfo {
	return s.selector.AvailableKeys(ctx, provider, userID, required)
}

func (s *Service) SelectBestKey(ctx context.Context, provider, userID string, required []string, strategy keys.Strategy) (*domain.Key, error) {
	return s.selector.SelectBestKey(ctx, provider, userID, required, strategy)
}

// RecordKeyUsage accounts one provider call. A missing cost is priced from the
// model; the call also feeds the live catalog metrics and the provider breaker.
func (s *Service) RecordKeyUsage(ctx context.Context, provider, keyID string, usage domain.Usage) error {
	if err := domain.Validate(usage); err != nil {
		return err
	}
	if usage.Cost == 0 && usage.Model != "" {
		usage.Cost = s.calculator.Calculate(usage.Model, usage)
	}

	if err := s.registry.RecordUsage(ctx, provider, keyID, usage); err != nil {
		return err
	}

	s.observer.Observe(usage.Model, usage.Latency, usage.Failed)
	s.breakers.Record(ctx, provider, usage.Failed)

	err := s.usage.Record(ctx, cost.UsageRecord{
		KeyID:        keyID,
		Provider:     provider,
		Model:        usage.Model,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		CostUSD:      usage.Cost,
		LatencyMs:    usage.Latency.Milliseconds(),
		Failed:       usage.Failed,
		Timestamp:    s.now(),
	})
	if err != nil {
		slog.Warn("failed to write usage log",
			"provider", provider,
			"key_id", keyID,
			"error", err,
		)
	}
	return nil
}

func (s *Service) KeyUsage(ctx context.Context, provider, keyID string) (ratelimit.Stats, error) {
	return s.registry.Usage(ctx, provider, keyID)
}

func (s *Service) KeyCost(ctx context.Context, keyID string, since time.Time) (float64, error) {
	return s.usage.KeyTotalCost(ctx, keyID, since)
}

func (s *Service) RotateKey(ctx context.Context, provider, keyID, material string) (domain.KeyInfo, error) {
	return s.registry.RotateKey(ctx, provider, keyID, material)
}

func (s *Service) DisableKey(ctx context.Context, provider, keyID, reason string) error {
	return s.registry.DisableKey(ctx, provider, keyID, reason)
}

func (s *Service) UpdateKeyLimits(ctx context.Context, provider, keyID string, limits domain.Limits) (domain.KeyInfo, error) {
	return s.registry.UpdateLimits(ctx, provider, keyID, limits)
}

func (s *Service) EnableKey(ctx context.Context, provider, keyID string) error {
	return s.registry.EnableKey(ctx, provider, keyID)
}

func (s *Service) DeleteKey(ctx context.Context, provider, keyID string) error {
	return s.registry.DeleteKey(ctx, provider, keyID)
}

func (s *Service) SetUserPermissions(ctx context.Context, userID string, scopes []string) error {
	return s.registry.SetUserPermissions(ctx, userID, scopes)
}

func (s *Service) UserPermissions(userID string) []string {
	return s.registry.UserPermissions(userID)
}

func (s *Service) DueForRotation() []domain.KeyInfo {
	return s.registry.DueForRotation()
}

func (s *Service) MakeRoutingDecision(ctx context.Context, req router.Request) *router.Decision {
	return s.engine.MakeRoutingDecision(ctx, req)
}

func (s *Service) DecisionStatistics(since time.Time) router.Statistics {
	return s.engine.Statistics(since)
}

func (s *Service) RecentDecisions() []router.HistoryEntry {
	return s.engine.History().Snapshot()
}

func (s *Service) SetABTest(t router.ABTest) error {
	return s.engine.SetABTest(t)
}

func (s *Service) RemoveABTest(id string) {
	s.engine.RemoveABTest(id)
}

func (s *Service) ABTests() []router.ABTest {
	return s.engine.ABTests()
}

func (s *Service) SetUserPreference(userID string, pref domain.UserPreference) error {
	return s.settings.SetUserPreference(userID, pref)
}

// SetWeights persists new routing weights; the scorer picks them up through the
// settings change hook.
func (s *Service) SetWeights(w domain.Weights) error {
	return s.settings.SetWeights(w)
}

func (s *Service) Weights() domain.Weights {
	return s.engine.Scorer().Weights()
}

func (s *Service) ProviderStates(ctx context.Context) map[string]string {
	return s.breakers.States(ctx)
}

// Export is the full configuration snapshot: registry contents plus routing settings.
type Export struct {
	Registry   keys.Snapshot   `json:"registry"`
	Settings   config.Settings `json:"settings"`
	ExportedAt time.Time       `json:"exported_at"`
}

func (s *Service) ExportConfig() Export {
	return Export{
		Registry:   s.registry.Export(),
		Settings:   s.settings.Snapshot(),
		ExportedAt: s.now().UTC(),
	}
}

// ImportConfig merges an export into the running service and returns the number
// of keys imported. Settings are validated before anything is applied; the
// registry is imported first and settings are merged once it accepted the snapshot.
func (s *Service) ImportConfig(ctx context.Context, in Export) (int, error) {
	if err := config.ValidateSettings(in.Settings); err != nil {
		return 0, fmt.Errorf("import settings: %w", err)
	}
	n, err := s.registry.Import(ctx, in.Registry)
	if err != nil {
		return 0, fmt.Errorf("import registry: %w", err)
	}
	if err := s.settings.Merge(in.Settings); err != nil {
		return n, fmt.Errorf("import settings: %w", err)
	}
	return n, nil
}
