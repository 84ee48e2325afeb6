// Package circuitbreaker tracks provider health for routing. A provider whose
// breaker is open is left out of candidate generation until it recovers.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// CircuitBreaker is satisfied by the in-memory and the Redis-backed breaker.
type CircuitBreaker interface {
	// Allow returns ErrCircuitBreakerOpen while the breaker is open. Once the
	// timeout has passed it lets calls through in the half-open state.
	Allow(ctx context.Context) error

	// RecordSuccess resets the failure count, and closes a half-open breaker
	// after SuccessThreshold successes.
	RecordSuccess(ctx context.Context)

	// RecordFailure opens the breaker after FailureThreshold failures, or
	// immediately when half-open.
	RecordFailure(ctx context.Context)

	// State returns the current state.
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config sets when a breaker opens and how it recovers.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
}

// DefaultConfig opens after 5 failures and retries after 30s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// InMemoryCircuitBreaker keeps state in the process. Use it for single-instance deployments.
type InMemoryCircuitBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
}

// NewInMemory creates a closed breaker.
func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailure) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		return nil
	}
	return domain.ErrCircuitBreakerOpen
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *InMemoryCircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Manager keeps one breaker per provider.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	factory  func(provider string) CircuitBreaker
}

type ManagerOption func(*Manager)

// WithRedisClient shares provider breaker state across router instances.
func WithRedisClient(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider string) CircuitBreaker {
			return NewRedisWithClient(client, provider, m.config)
		}
	}
}

// WithClock is only honoured by in-memory breakers.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider string) CircuitBreaker {
			cb := NewInMemory(m.config)
			cb.now = now
			return cb
		}
	}
}

// NewManager creates in-memory breakers on demand unless WithRedisClient is given.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
		factory: func(provider string) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get returns the breaker for a provider, creating one if needed.
func (m *Manager) Get(provider string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[provider]; ok {
		return existing
	}

	cb = m.factory(provider)
	m.breakers[provider] = cb
	return cb
}

// IsOpen reports whether calls to provider should be avoided right now.
// Providers never seen are closed.
func (m *Manager) IsOpen(ctx context.Context, provider string) bool {
	m.mu.RLock()
	cb, ok := m.breakers[provider]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	open := cb.Allow(ctx) != nil
	metrics.SetCircuitBreakerState(provider, int(cb.State(ctx)))
	return open
}

// Record feeds the outcome of one provider call into its breaker.
func (m *Manager) Record(ctx context.Context, provider string, failed bool) {
	cb := m.Get(provider)
	if failed {
		cb.RecordFailure(ctx)
	} else {
		cb.RecordSuccess(ctx)
	}
	metrics.SetCircuitBreakerState(provider, int(cb.State(ctx)))
}

func (m *Manager) States(ctx context.Context) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for provider, cb := range m.breakers {
		states[provider] = cb.State(ctx).String()
	}
	return states
}
