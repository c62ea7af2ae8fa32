package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/connect/internal/observability"
)

// Redis defaults.
const (
	DefaultRedisPrefix = "connect:ratelimit:"
	DefaultRedisWindow = time.Second
)

var _ Limiter = (*RedisLimiter)(nil)

// ErrUnexpectedScriptResult is returned when the window script answers in
// an unknown shape.
var ErrUnexpectedScriptResult = errors.New("unexpected rate limit script result")

// fixedWindowScript counts requests per key and window.
// KEYS[1] = key, ARGV = limit, window ms, now ms.
// Returns allowed (0 or 1), remaining, reset ms.
var fixedWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local window_start = math.floor(now / window_ms) * window_ms
	local window_key = key .. ':' .. window_start

	local count = tonumber(redis.call('GET', window_key) or '0')

	local allowed = 0
	if count + 1 <= limit then
		count = redis.call('INCR', window_key)
		if count == 1 then
			redis.call('PEXPIRE', window_key, window_ms)
		end
		allowed = 1
	end

	return {allowed, limit - count, window_start + window_ms - now}
`)

// RedisConfig configures a RedisLimiter.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// Requests is the number of requests allowed per window.
	Requests int
	Window   time.Duration
}

// RedisLimiter is a fixed window limiter shared through Redis. When Redis
// fails the optional fallback decides instead.
type RedisLimiter struct {
	client   redis.UniversalClient
	owned    bool
	prefix   string
	requests int
	window   time.Duration
	fallback Limiter
	now      func() time.Time
	logger   observability.Logger
	metrics  *Metrics
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithFallback sets the limiter consulted when Redis is unavailable.
func WithFallback(fallback Limiter) RedisOption {
	return func(r *RedisLimiter) {
		r.fallback = fallback
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(r *RedisLimiter) {
		r.logger = logger
	}
}

// WithRedisMetrics sets the metrics.
func WithRedisMetrics(metrics *Metrics) RedisOption {
	return func(r *RedisLimiter) {
		r.metrics = metrics
	}
}

// withRedisClock overrides the time source.
func withRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisLimiter) {
		r.now = now
	}
}

// NewRedisLimiter connects to Redis at cfg.Address.
func NewRedisLimiter(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	r := NewRedisLimiterWithClient(client, cfg, opts...)
	r.owned = true
	return r, nil
}

// NewRedisLimiterWithClient uses an existing client. The client is not
// closed by Close.
func NewRedisLimiterWithClient(client redis.UniversalClient, cfg RedisConfig, opts ...RedisOption) *RedisLimiter {
	r := &RedisLimiter{
		client:   client,
		prefix:   cfg.Prefix,
		requests: cfg.Requests,
		window:   cfg.Window,
		now:      time.Now,
		logger:   observability.NopLogger(),
	}
	if r.prefix == "" {
		r.prefix = DefaultRedisPrefix
	}
	if r.window <= 0 {
		r.window = DefaultRedisWindow
	}
	if r.requests < 1 {
		r.requests = 1
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	res, err := r.allowRedis(ctx, key)
	if err == nil {
		r.metrics.recordDecision(StoreRedis, res.Allowed)
		return res, nil
	}

	r.metrics.recordStoreError()
	if r.fallback == nil {
		return nil, fmt.Errorf("redis rate limit failed: %w", err)
	}

	r.logger.WithContext(ctx).Warn("redis rate limit failed, using fallback",
		observability.String("key", key),
		observability.Error(err),
	)
	return r.fallback.Allow(ctx, key)
}

func (r *RedisLimiter) allowRedis(ctx context.Context, key string) (*Result, error) {
	raw, err := fixedWindowScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		r.requests,
		r.window.Milliseconds(),
		r.now().UnixMilli(),
	).Result()
	if err != nil {
		return nil, err
	}

	values, ok := raw.([]any)
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedScriptResult, raw)
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	resetMs, _ := values[2].(int64)

	res := &Result{
		Allowed:   allowed == 1,
		Limit:     r.requests,
		Remaining: max(0, int(remaining)),
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(resetMs) * time.Millisecond
	}
	return res, nil
}

// Close closes the fallback and, when the limiter created it, the client.
func (r *RedisLimiter) Close() error {
	var errs []error
	if r.fallback != nil {
		errs = append(errs, r.fallback.Close())
	}
	if r.owned {
		errs = append(errs, r.client.Close())
	}
	return errors.Join(errs...)
}
