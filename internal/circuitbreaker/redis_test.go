package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/redis/go-redis/v9"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis circuit breaker tests")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

// testProvider namespaces breaker keys so parallel runs against one Redis do not collide.
func testProvider(t *testing.T) string {
	return fmt.Sprintf("cb-test-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestRedisCircuitBreaker_Transitions(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	// Redis tracks the timeout in whole seconds, so this one expires on the next Allow.
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 200 * time.Millisecond}

	tests := []struct {
		name string
		run  func(cb *RedisCircuitBreaker)
		want State
	}{
		{"fresh breaker is closed", func(cb *RedisCircuitBreaker) {}, StateClosed},
		{"below threshold stays closed", func(cb *RedisCircuitBreaker) {
			cb.RecordFailure(ctx)
		}, StateClosed},
		{"threshold opens", func(cb *RedisCircuitBreaker) {
			cb.RecordFailure(ctx)
			cb.RecordFailure(ctx)
		}, StateOpen},
		{"timeout half-opens", func(cb *RedisCircuitBreaker) {
			cb.RecordFailure(ctx)
			cb.RecordFailure(ctx)
			time.Sleep(250 * time.Millisecond)
			cb.Allow(ctx)
		}, StateHalfOpen},
		{"successes close again", func(cb *RedisCircuitBreaker) {
			cb.RecordFailure(ctx)
			cb.RecordFailure(ctx)
			time.Sleep(250 * time.Millisecond)
			cb.Allow(ctx)
			cb.RecordSuccess(ctx)
			cb.RecordSuccess(ctx)
		}, StateClosed},
		{"failure while half-open reopens", func(cb *RedisCircuitBreaker) {
			cb.RecordFailure(ctx)
			cb.RecordFailure(ctx)
			time.Sleep(250 * time.Millisecond)
			cb.Allow(ctx)
			cb.RecordFailure(ctx)
		}, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewRedisWithClient(client, testProvider(t), cfg)
			t.Cleanup(func() { cb.Reset(ctx) })

			tt.run(cb)
			if got := cb.State(ctx); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRedisCircuitBreaker_OpenRejects(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()

	cb := NewRedisWithClient(client, testProvider(t), Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	t.Cleanup(func() { cb.Reset(ctx) })

	cb.RecordFailure(ctx)
	if err := cb.Allow(ctx); !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Fatalf("Allow() error = %v, want ErrCircuitBreakerOpen", err)
	}

	if err := cb.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := cb.Allow(ctx); err != nil {
		t.Errorf("Allow() after Reset error = %v", err)
	}
}

func TestManager_RedisStateSharedAcrossInstances(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	provider := testProvider(t)
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute}

	routerA := NewManager(cfg, WithRedisClient(client))
	routerB := NewManager(cfg, WithRedisClient(client))
	t.Cleanup(func() { routerA.Get(provider).(*RedisCircuitBreaker).Reset(ctx) })

	if _, ok := routerA.Get(provider).(*RedisCircuitBreaker); !ok {
		t.Fatal("WithRedisClient should produce Redis breakers")
	}

	for range 3 {
		routerA.Record(ctx, provider, true)
	}

	// routerB has never recorded anything for provider, so it must consult Redis.
	routerB.Get(provider)
	if !routerB.IsOpen(ctx, provider) {
		t.Error("a breaker opened by one instance should be open for the other")
	}
	if got := routerB.States(ctx)[provider]; got != "open" {
		t.Errorf("States()[%s] = %q, want open", provider, got)
	}
}
