package registry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains registry metrics.
type Metrics struct {
	registrations *prometheus.CounterVec
	services      prometheus.Gauge
}

// NewMetricsWithRegisterer creates registry metrics registered with the
// given registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "connect"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "registrations_total",
				Help:      "Total number of service registrations",
			},
			[]string{"outcome"},
		),
		services: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "services",
				Help:      "Number of registered services",
			},
		),
	}

	_ = registerer.Register(m.registrations)
	_ = registerer.Register(m.services)

	m.registrations.WithLabelValues("registered")
	m.registrations.WithLabelValues("replaced")

	return m
}

func (m *Metrics) recordRegistration(replaced bool, count int) {
	outcome := "registered"
	if replaced {
		outcome = "replaced"
	}
	m.registrations.WithLabelValues(outcome).Inc()
	m.services.Set(float64(count))
}
