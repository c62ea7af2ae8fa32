package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/connect/internal/observability"
)

// Token bucket defaults.
const (
	DefaultClientTTL       = 10 * time.Minute
	DefaultCleanupInterval = time.Minute
)

var _ Limiter = (*TokenBucket)(nil)

type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// TokenBucket keeps one token bucket per client in memory. Clients idle for
// longer than the TTL are forgotten.
type TokenBucket struct {
	rps     float64
	burst   int
	ttl     time.Duration
	clients map[string]*clientEntry
	mu      sync.Mutex
	now     func() time.Time
	logger  observability.Logger
	metrics *Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
}

// TokenBucketOption configures a TokenBucket.
type TokenBucketOption func(*TokenBucket)

// WithClientTTL sets how long idle clients are remembered.
func WithClientTTL(ttl time.Duration) TokenBucketOption {
	return func(tb *TokenBucket) {
		if ttl > 0 {
			tb.ttl = ttl
		}
	}
}

// WithTokenBucketLogger sets the logger.
func WithTokenBucketLogger(logger observability.Logger) TokenBucketOption {
	return func(tb *TokenBucket) {
		tb.logger = logger
	}
}

// WithTokenBucketMetrics sets the metrics.
func WithTokenBucketMetrics(metrics *Metrics) TokenBucketOption {
	return func(tb *TokenBucket) {
		tb.metrics = metrics
	}
}

// withTokenBucketClock overrides the time source.
func withTokenBucketClock(now func() time.Time) TokenBucketOption {
	return func(tb *TokenBucket) {
		tb.now = now
	}
}

// NewTokenBucket creates an in-memory limiter allowing rps requests per
// second per client with the given burst. Call StartCleanup to evict idle
// clients in the background.
func NewTokenBucket(rps float64, burst int, opts ...TokenBucketOption) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	tb := &TokenBucket{
		rps:     rps,
		burst:   burst,
		ttl:     DefaultClientTTL,
		clients: make(map[string]*clientEntry),
		now:     time.Now,
		logger:  observability.NopLogger(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

// Allow implements Limiter.
func (tb *TokenBucket) Allow(_ context.Context, key string) (*Result, error) {
	now := tb.now()

	tb.mu.Lock()
	entry, ok := tb.clients[key]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(rate.Limit(tb.rps), tb.burst)}
		tb.clients[key] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	tb.mu.Unlock()

	res := &Result{Limit: tb.burst}
	reservation := limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		res.RetryAfter = delay
	} else {
		res.Allowed = true
	}
	res.Remaining = max(0, int(math.Floor(limiter.TokensAt(now))))

	tb.metrics.recordDecision(StoreMemory, res.Allowed)
	return res, nil
}

// Len returns the number of tracked clients.
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.clients)
}

// Cleanup forgets clients idle for longer than the TTL.
func (tb *TokenBucket) Cleanup() {
	now := tb.now()

	tb.mu.Lock()
	removed := 0
	for key, entry := range tb.clients {
		if now.Sub(entry.lastAccess) > tb.ttl {
			delete(tb.clients, key)
			removed++
		}
	}
	remaining := len(tb.clients)
	tb.mu.Unlock()

	if removed > 0 {
		tb.logger.Debug("cleaned up idle rate limiter clients",
			observability.Int("removed", removed),
			observability.Int("remaining", remaining),
		)
	}
}

// StartCleanup evicts idle clients every interval until Close.
func (tb *TokenBucket) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tb.Cleanup()
			case <-tb.stopCh:
				return
			}
		}
	}()
}

// Close stops background cleanup. Safe to call more than once.
func (tb *TokenBucket) Close() error {
	tb.stopOnce.Do(func() {
		close(tb.stopCh)
	})
	return nil
}
