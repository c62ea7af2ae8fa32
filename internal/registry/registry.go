// Package registry holds the in-memory set of backend services registered
// with the gateway.
//
// Entries are keyed by name. Registering a name that already exists
// replaces the whole entry in one step under the write lock, so readers
// observe either the old entry or the new one and never both or neither.
// The registry is not persisted: backends re-register after a restart.
package registry

import (
	"sync"

	"github.com/vyrodovalexey/connect/internal/observability"
)

// Registry is a concurrency-safe store of services keyed by name.
type Registry struct {
	mu       sync.RWMutex
	services []Service
	index    map[string]int
	logger   observability.Logger
	metrics  *Metrics
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

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		index:  make(map[string]int),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores svc, replacing any entry with the same name. A replaced
// entry keeps its position in the listing order. The previous entry is
// returned when one was replaced.
func (r *Registry) Register(svc Service) (previous Service, replaced bool) {
	svc = svc.Clone()

	r.mu.Lock()
	if i, exists := r.index[svc.Name]; exists {
		previous = r.services[i]
		r.services[i] = svc
		replaced = true
	} else {
		r.index[svc.Name] = len(r.services)
		r.services = append(r.services, svc)
	}
	count := len(r.services)
	r.mu.Unlock()

	if replaced {
		r.logger.Info("replaced service",
			observability.String("service", svc.Name),
			observability.String("previous_version", previous.Version),
			observability.String("version", svc.Version),
			observability.String("host", svc.Host),
			observability.Int("port", svc.Port),
		)
	} else {
		r.logger.Info("registered service",
			observability.String("service", svc.Name),
			observability.String("version", svc.Version),
			observability.String("host", svc.Host),
			observability.Int("port", svc.Port),
		)
	}

	if r.metrics != nil {
		r.metrics.recordRegistration(replaced, count)
	}

	return previous, replaced
}

// Lookup returns a copy of the service registered under name.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return Service{}, false
	}
	return r.services[i].Clone(), true
}

// ListPublic returns the public view of every service in registration
// order. The result shares no memory with the registry.
func (r *Registry) ListPublic() []PublicService {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PublicService, len(r.services))
	for i, svc := range r.services {
		out[i] = Project(svc)
	}
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}
