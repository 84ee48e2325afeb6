package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/redis/go-redis/v9"
)

// KEYS: state, last_failure, successes. ARGV: timeout seconds.
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local timeout = tonumber(ARGV[1])

if state == 'open' then
    local lastFailure = tonumber(redis.call('GET', KEYS[2]) or '0')
    local now = tonumber(redis.call('TIME')[1])

    if (now - lastFailure) >= timeout then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[3], '0')
        return 'half-open'
    end
    return 'open'
end

return state
`)

// KEYS: state, failures, successes. ARGV: success threshold.
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    if successes >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        return 'closed'
    end
    return 'half-open'
end

return state
`)

// KEYS: state, failures, last_failure, successes. ARGV: failure threshold.
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
redis.call('SET', KEYS[3], redis.call('TIME')[1])

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    if failures >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'open')
        return 'open'
    end
    return 'closed'
end

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    return 'open'
end

return state
`)

// RedisCircuitBreaker shares one provider's breaker across router instances.
// Redis errors fail open.
type RedisCircuitBreaker struct {
	client   *redis.Client
	provider string
	config   Config
	prefix   string
}

// NewRedis connects to redisURL and fails if Redis does not answer a ping.
func NewRedis(redisURL, provider string, cfg Config) (*RedisCircuitBreaker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisWithClient(client, provider, cfg), nil
}

// NewRedisWithClient shares an existing client. State lives under breaker:<provider>:*.
func NewRedisWithClient(client *redis.Client, provider string, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:   client,
		provider: provider,
		config:   cfg,
		prefix:   "breaker:" + provider + ":",
	}
}

func (cb *RedisCircuitBreaker) key(name string) string {
	return cb.prefix + name
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	keys := []string{cb.key("state"), cb.key("last_failure"), cb.key("successes")}

	result, err := allowScript.Run(ctx, cb.client, keys, int(cb.config.Timeout.Seconds())).Text()
	if err != nil {
		return nil
	}
	if result == "open" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{cb.key("state"), cb.key("failures"), cb.key("successes")}
	recordSuccessScript.Run(ctx, cb.client, keys, cb.config.SuccessThreshold)
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	keys := []string{cb.key("state"), cb.key("failures"), cb.key("last_failure"), cb.key("successes")}
	recordFailureScript.Run(ctx, cb.client, keys, cb.config.FailureThreshold)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	result, err := cb.client.Get(ctx, cb.key("state")).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(result)
}

func (cb *RedisCircuitBreaker) Failures(ctx context.Context) int {
	result, err := cb.client.Get(ctx, cb.key("failures")).Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(result)
	return n
}

// Reset closes the breaker. Used by operators and tests.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	pipe := cb.client.Pipeline()
	pipe.Set(ctx, cb.key("state"), "closed", 0)
	pipe.Set(ctx, cb.key("failures"), "0", 0)
	pipe.Set(ctx, cb.key("successes"), "0", 0)
	pipe.Del(ctx, cb.key("last_failure"))
	_, err := pipe.Exec(ctx)
	return err
}

func (cb *RedisCircuitBreaker) Close() error {
	return cb.client.Close()
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
