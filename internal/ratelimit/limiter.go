// Package ratelimit throttles clients of the gateway's management
// endpoints.
//
// Two stores are supported: an in-memory token bucket per client, and a
// fixed window counter in Redis shared by every gateway instance.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a client may make another request.
type Limiter interface {
	// Allow consumes one request for key.
	Allow(ctx context.Context, key string) (*Result, error)

	// Close releases background resources.
	Close() error
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed bool

	// Limit is the number of requests permitted per window or burst.
	Limit int

	// Remaining is how many requests are left right now.
	Remaining int

	// RetryAfter is how long a rejected client should wait.
	RetryAfter time.Duration
}

// Store names.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// NoopLimiter allows every request.
type NoopLimiter struct{}

// NewNoopLimiter creates a noop limiter.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Allow implements Limiter.
func (*NoopLimiter) Allow(context.Context, string) (*Result, error) {
	return &Result{Allowed: true}, nil
}

// Close implements Limiter.
func (*NoopLimiter) Close() error {
	return nil
}
