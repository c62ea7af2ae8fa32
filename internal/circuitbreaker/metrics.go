package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// Metrics contains circuit breaker metrics.
type Metrics struct {
	state    *prometheus.GaugeVec
	rejected *prometheus.CounterVec
}

// NewMetricsWithRegisterer creates breaker metrics registered with the
// given registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "connect"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "rejected_total",
				Help:      "Total number of calls rejected by an open breaker",
			},
			[]string{"service"},
		),
	}

	_ = registerer.Register(m.state)
	_ = registerer.Register(m.rejected)

	return m
}

func (m *Metrics) setState(service string, state gobreaker.State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(service).Set(float64(state))
}

func (m *Metrics) recordRejected(service string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(service).Inc()
}
