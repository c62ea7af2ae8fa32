package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vyrodovalexey/connect/internal/observability"
)

// Config selects and sizes a limiter.
type Config struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	Store             string
	ClientTTL         time.Duration
	Redis             RedisConfig
}

// FactoryOption configures NewLimiter.
type FactoryOption func(*factory)

type factory struct {
	logger  observability.Logger
	metrics *Metrics
}

// WithFactoryLogger sets the logger of the created limiter.
func WithFactoryLogger(logger observability.Logger) FactoryOption {
	return func(f *factory) {
		f.logger = logger
	}
}

// WithFactoryMetrics sets the metrics of the created limiter.
func WithFactoryMetrics(metrics *Metrics) FactoryOption {
	return func(f *factory) {
		f.metrics = metrics
	}
}

// NewLimiter creates the limiter described by cfg. A disabled config
// yields a NoopLimiter. The Redis store falls back to an in-memory bucket
// when Redis fails at request time.
func NewLimiter(ctx context.Context, cfg Config, opts ...FactoryOption) (Limiter, error) {
	f := &factory{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(f)
	}

	if !cfg.Enabled {
		return NewNoopLimiter(), nil
	}

	memory := func() *TokenBucket {
		tb := NewTokenBucket(cfg.RequestsPerSecond, cfg.Burst,
			WithClientTTL(cfg.ClientTTL),
			WithTokenBucketLogger(f.logger),
			WithTokenBucketMetrics(f.metrics),
		)
		tb.StartCleanup(DefaultCleanupInterval)
		return tb
	}

	switch cfg.Store {
	case StoreMemory, "":
		return memory(), nil
	case StoreRedis:
		redisCfg := cfg.Redis
		if redisCfg.Requests == 0 {
			redisCfg.Requests = WindowRequests(cfg.RequestsPerSecond, cfg.Burst, redisCfg.Window)
		}
		fallback := memory()
		limiter, err := NewRedisLimiter(ctx, redisCfg,
			WithFallback(fallback),
			WithRedisLogger(f.logger),
			WithRedisMetrics(f.metrics),
		)
		if err != nil {
			_ = fallback.Close()
			return nil, err
		}
		return limiter, nil
	default:
		return nil, fmt.Errorf("unknown rate limit store: %s", cfg.Store)
	}
}

// WindowRequests converts a per-second rate and burst into the request
// budget of a fixed window. The budget is never smaller than the burst.
func WindowRequests(rps float64, burst int, window time.Duration) int {
	if window <= 0 {
		window = DefaultRedisWindow
	}
	return max(burst, int(math.Ceil(rps*window.Seconds())), 1)
}
