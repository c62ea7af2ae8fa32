// Package secrets resolves the gateway's keys from an external store so
// they need not be written into the configuration file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProviderType names a secrets backend.
type ProviderType string

// Provider types.
const (
	ProviderTypeEnv   ProviderType = "env"
	ProviderTypeFile  ProviderType = "file"
	ProviderTypeVault ProviderType = "vault"
)

// Common errors.
var (
	ErrSecretNotFound        = errors.New("secret not found")
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrInvalidName           = errors.New("invalid secret name")
	ErrInvalidProviderType   = errors.New("invalid provider type")
)

// Provider reads named secrets.
type Provider interface {
	Type() ProviderType
	GetSecret(ctx context.Context, name string) (string, error)
	Close() error
}

// Metrics contains secrets provider metrics.
type Metrics struct {
	operationsTotal *prometheus.CounterVec
	duration        *prometheus.HistogramVec
}

// NewMetricsWithRegisterer creates secrets metrics registered with the
// given registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "connect"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "secrets",
				Name:      "operations_total",
				Help:      "Total number of secret reads by provider and result",
			},
			[]string{"provider", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "secrets",
				Name:      "operation_duration_seconds",
				Help:      "Duration of secret reads by provider",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
	}

	_ = registerer.Register(m.operationsTotal)
	_ = registerer.Register(m.duration)

	return m
}

func (m *Metrics) record(provider ProviderType, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case errors.Is(err, ErrSecretNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	m.operationsTotal.WithLabelValues(string(provider), result).Inc()
	m.duration.WithLabelValues(string(provider)).Observe(d.Seconds())
}

// ValidateProviderType parses s as a provider type.
func ValidateProviderType(s string) (ProviderType, error) {
	switch ProviderType(s) {
	case ProviderTypeEnv, ProviderTypeFile, ProviderTypeVault:
		return ProviderType(s), nil
	default:
		return "", fmt.Errorf("%w: %s, must be one of: env, file, vault", ErrInvalidProviderType, s)
	}
}
