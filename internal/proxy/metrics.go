package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains backend call metrics.
type Metrics struct {
	callDuration *prometheus.HistogramVec
}

// NewMetricsWithRegisterer creates proxy metrics registered with the given
// registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "connect"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "call_duration_seconds",
				Help:      "Duration of backend calls by service and outcome",
				Buckets: []float64{
					.001, .005, .01, .025, .05,
					.1, .25, .5, 1, 2.5, 5, 10,
				},
			},
			[]string{"service", "outcome"},
		),
	}

	_ = registerer.Register(m.callDuration)

	return m
}

func (m *Metrics) observe(service, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(service, outcome).Observe(d.Seconds())
}
