// Package observability provides logging, metrics, and tracing
// functionality for the Connect gateway.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("service registered",
//	    observability.String("service", "files"),
//	)
//
// # Metrics
//
// Metrics owns a private Prometheus registry. Components register their
// own collectors on it so a single /metrics endpoint exposes everything:
//
//	metrics := observability.NewMetrics("connect")
//	handler := metrics.Handler()
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export. Trace context is injected
// into outbound backend calls.
package observability
