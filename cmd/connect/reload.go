package main

import (
	"context"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/connect/internal/config"
	"github.com/vyrodovalexey/connect/internal/observability"
)

// reloadMetrics holds Prometheus metrics for configuration reloads.
type reloadMetrics struct {
	reloadTotal          *prometheus.CounterVec
	reloadDuration       prometheus.Histogram
	reloadLastSuccess    prometheus.Gauge
	watcherStatus        prometheus.Gauge
	componentReloadTotal *prometheus.CounterVec
}

// newReloadMetrics creates reload metrics on the registry of m.
func newReloadMetrics(m *observability.Metrics) *reloadMetrics {
	rm := &reloadMetrics{
		reloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		),
		reloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		reloadLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of the last successful config reload",
			},
		),
		watcherStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "config_watcher_running",
				Help:      "Whether the config file watcher is running (1=running, 0=stopped)",
			},
		),
		componentReloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "config_reload_component_total",
				Help:      "Total number of component reloads by component and result",
			},
			[]string{"component", "result"},
		),
	}

	for _, c := range []prometheus.Collector{
		rm.reloadTotal,
		rm.reloadDuration,
		rm.reloadLastSuccess,
		rm.watcherStatus,
		rm.componentReloadTotal,
	} {
		// Duplicate registration is harmless; descriptors are identical.
		_ = m.RegisterCollector(c)
	}

	return rm
}

// startConfigWatcher starts watching configPath. A watcher that fails to
// start is logged and the gateway keeps its current configuration.
func startConfigWatcher(ctx context.Context, app *application, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		app.logger.Info("configuration changed, reloading")
		applyReload(ctx, app, newCfg)
	},
		config.WithLogger(app.logger),
		config.WithErrorCallback(func(error) {
			app.reloadMetrics.reloadTotal.WithLabelValues("error").Inc()
		}),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		app.reloadMetrics.watcherStatus.Set(0)
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		app.reloadMetrics.watcherStatus.Set(0)
		return nil
	}

	app.reloadMetrics.watcherStatus.Set(1)
	return watcher
}

// applyReload applies the parts of newCfg that can change at runtime:
// keys, log level and the audit sink. Listener, proxy, tracing and rate
// limit changes are reported and need a restart.
func applyReload(ctx context.Context, app *application, newCfg *config.Config) {
	app.reloadMu.Lock()
	defer app.reloadMu.Unlock()

	start := time.Now()
	rm := app.reloadMetrics
	defer func() {
		rm.reloadDuration.Observe(time.Since(start).Seconds())
	}()

	if newCfg.Connect.Version == config.DefaultConnectVersion {
		newCfg.Connect.Version = version
	}
	if err := config.ValidateConfig(newCfg); err != nil {
		app.logger.Error("rejected reloaded configuration", observability.Error(err))
		rm.reloadTotal.WithLabelValues("error").Inc()
		return
	}

	keys, err := resolveKeys(ctx, newCfg, app.logger, app.secretsMetrics)
	if err != nil {
		app.logger.Error("failed to resolve keys on reload", observability.Error(err))
		rm.componentReloadTotal.WithLabelValues("auth", "error").Inc()
		rm.reloadTotal.WithLabelValues("error").Inc()
		return
	}
	app.authorizer.SetKeys(keys)
	rm.componentReloadTotal.WithLabelValues("auth", "success").Inc()

	if newCfg.Logging.Level != app.config.Logging.Level {
		if setter, ok := app.logger.(observability.LevelSetter); ok {
			if err := setter.SetLevel(newCfg.Logging.Level); err != nil {
				app.logger.Warn("failed to change log level", observability.Error(err))
				rm.componentReloadTotal.WithLabelValues("logging", "error").Inc()
			} else {
				app.logger.Info("log level changed",
					observability.String("level", newCfg.Logging.Level))
				rm.componentReloadTotal.WithLabelValues("logging", "success").Inc()
			}
		}
	}

	if !reflect.DeepEqual(newCfg.Audit, app.config.Audit) {
		reloadAudit(app, newCfg.Audit)
	}

	warnRestartRequired(app.logger, app.config, newCfg)

	// Carry over what was not applied so later diffs stay meaningful.
	applied := *app.config
	applied.Auth = newCfg.Auth
	applied.Secrets = newCfg.Secrets
	applied.Logging.Level = newCfg.Logging.Level
	applied.Audit = newCfg.Audit
	app.config = &applied

	rm.reloadTotal.WithLabelValues("success").Inc()
	rm.reloadLastSuccess.SetToCurrentTime()
	app.logger.Info("configuration reloaded",
		observability.Duration("duration", time.Since(start)))
}

// reloadAudit swaps in a new audit sink and closes the old one.
func reloadAudit(app *application, cfg config.AuditConfig) {
	next, err := newAuditLogger(cfg, app.logger, app.auditMetrics)
	if err != nil {
		app.logger.Error("failed to reload audit logger", observability.Error(err))
		app.reloadMetrics.componentReloadTotal.WithLabelValues("audit", "error").Inc()
		return
	}

	if old := app.auditLogger.Swap(next); old != nil {
		if err := old.Close(); err != nil {
			app.logger.Warn("failed to close previous audit logger", observability.Error(err))
		}
	}
	app.logger.Info("audit logger reloaded",
		observability.Bool("enabled", cfg.IsEnabled()),
		observability.String("output", cfg.Output),
	)
	app.reloadMetrics.componentReloadTotal.WithLabelValues("audit", "success").Inc()
}

// warnRestartRequired logs every changed section that only takes effect
// after a restart.
func warnRestartRequired(logger observability.Logger, oldCfg, newCfg *config.Config) {
	sections := []struct {
		name    string
		changed bool
	}{
		{"server", !reflect.DeepEqual(oldCfg.Server, newCfg.Server)},
		{"connect", oldCfg.Connect != newCfg.Connect},
		{"proxy", oldCfg.Proxy != newCfg.Proxy},
		{"logging.format", oldCfg.Logging.Format != newCfg.Logging.Format ||
			oldCfg.Logging.Output != newCfg.Logging.Output},
		{"metrics", !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics)},
		{"tracing", oldCfg.Tracing != newCfg.Tracing},
		{"rateLimit", !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit)},
	}

	for _, s := range sections {
		if s.changed {
			logger.Warn("configuration section changed but requires a restart to apply",
				observability.String("section", s.name))
		}
	}
}
