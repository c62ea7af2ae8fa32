package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains rate limiter metrics.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
	storeErrors    prometheus.Counter
}

// NewMetricsWithRegisterer creates rate limiter metrics registered with
// the given registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "connect"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Total number of rate limit decisions by store and result",
			},
			[]string{"store", "result"},
		),
		storeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "store_errors_total",
				Help:      "Total number of failed shared store operations",
			},
		),
	}

	_ = registerer.Register(m.decisionsTotal)
	_ = registerer.Register(m.storeErrors)

	return m
}

func (m *Metrics) recordDecision(store string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.decisionsTotal.WithLabelValues(store, result).Inc()
}

func (m *Metrics) recordStoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}
