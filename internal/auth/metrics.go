package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains authorization metrics.
type Metrics struct {
	decisions *prometheus.CounterVec
}

// NewMetricsWithRegisterer creates auth metrics registered with the given
// registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "connect"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "decisions_total",
				Help:      "Total number of authorization decisions by result",
			},
			[]string{"result"},
		),
	}

	_ = registerer.Register(m.decisions)

	for _, result := range []string{
		"api_key", "token", "anonymous",
		KindInvalid.String(), KindExpired.String(), KindMalformedClaims.String(),
	} {
		m.decisions.WithLabelValues(result)
	}

	return m
}

func (m *Metrics) recordDecision(result string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(result).Inc()
}
