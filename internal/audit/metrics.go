package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains audit metrics.
type Metrics struct {
	recordsTotal *prometheus.CounterVec
	droppedTotal prometheus.Counter
	errorsTotal  prometheus.Counter
}

// NewMetricsWithRegisterer creates audit metrics registered with the given
// registerer. Duplicate registration errors are ignored because the
// descriptors are identical.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "connect"
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	m := &Metrics{
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "records_total",
				Help:      "Total number of audit records accepted, by request status",
			},
			[]string{"status"},
		),
		droppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "records_dropped_total",
				Help:      "Total number of audit records dropped because the buffer was full",
			},
		),
		errorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "write_errors_total",
				Help:      "Total number of audit records that failed to encode or write",
			},
		),
	}

	_ = registerer.Register(m.recordsTotal)
	_ = registerer.Register(m.droppedTotal)
	_ = registerer.Register(m.errorsTotal)

	return m
}

func (m *Metrics) recordAccepted(status string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) recordDropped() {
	if m == nil {
		return
	}
	m.droppedTotal.Inc()
}

func (m *Metrics) recordError() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}
