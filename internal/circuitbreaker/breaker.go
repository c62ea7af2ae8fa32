// Package circuitbreaker keeps one gobreaker circuit breaker per backend
// service so a backend that stops answering fails fast instead of holding
// every request for the full call timeout.
package circuitbreaker

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/connect/internal/observability"
)

// ErrOpen is returned when a call is rejected by an open breaker.
var ErrOpen = errors.New("circuit breaker is open")

// Config configures breakers.
type Config struct {
	// Threshold is the number of consecutive failures that opens a breaker.
	Threshold int
	// Timeout is how long a breaker stays open before probing.
	Timeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests int
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Registry hands out breakers keyed by service name.
type Registry struct {
	config    Config
	isFailure func(error) bool
	logger    observability.Logger
	metrics   *Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// WithFailurePredicate decides which call errors count against a breaker.
// By default every non-nil error does.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(r *Registry) {
		r.isFailure = fn
	}
}

// NewRegistry creates a breaker registry.
func NewRegistry(config Config, opts ...Option) *Registry {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = def.HalfOpenRequests
	}

	r := &Registry{
		config:    config,
		isFailure: func(err error) bool { return err != nil },
		logger:    observability.NopLogger(),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs fn through the breaker of name. When the breaker rejects
// the call fn is not run and the error wraps ErrOpen.
func (r *Registry) Execute(name string, fn func() error) error {
	_, err := r.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.metrics.recordRejected(name)
		return errors.Join(ErrOpen, err)
	}
	return err
}

// State returns the state of the breaker for name.
func (r *Registry) State(name string) gobreaker.State {
	return r.get(name).State()
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	threshold := safeIntToUint32(r.config.Threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: safeIntToUint32(r.config.HalfOpenRequests),
		Timeout:     r.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !r.isFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				observability.String("service", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			r.metrics.setState(name, to)
		},
	})
	r.breakers[name] = cb
	r.metrics.setState(name, gobreaker.StateClosed)

	return cb
}

func safeIntToUint32(v int) uint32 {
	switch {
	case v < 0:
		return 0
	case int64(v) > math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(v)
	}
}
