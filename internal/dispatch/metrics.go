package dispatch

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// unknownService labels dispatches that never resolved a registered
// service, keeping client-supplied names out of label values.
const unknownService = "_unknown"

// Metrics contains dispatcher metrics.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetricsWithRegisterer creates dispatcher metrics registered with the
// given registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "connect"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "requests_total",
				Help:      "Total number of dispatched requests by service, status and HTTP code",
			},
			[]string{"service", "status", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Duration of dispatched requests by service and status",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "status"},
		),
	}

	_ = registerer.Register(m.requestsTotal)
	_ = registerer.Register(m.requestDuration)

	return m
}

func (m *Metrics) recordDispatch(service string, status Status, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(service, string(status), strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(service, string(status)).Observe(d.Seconds())
}
