package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/vyrodovalexey/connect/internal/audit"
	"github.com/vyrodovalexey/connect/internal/auth"
	"github.com/vyrodovalexey/connect/internal/circuitbreaker"
	"github.com/vyrodovalexey/connect/internal/config"
	"github.com/vyrodovalexey/connect/internal/dispatch"
	"github.com/vyrodovalexey/connect/internal/observability"
	"github.com/vyrodovalexey/connect/internal/proxy"
	"github.com/vyrodovalexey/connect/internal/ratelimit"
	"github.com/vyrodovalexey/connect/internal/registry"
	"github.com/vyrodovalexey/connect/internal/secrets"
	"github.com/vyrodovalexey/connect/internal/server"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "connect"

// application holds all components of the running gateway.
type application struct {
	config         *config.Config
	logger         observability.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	secretsMetrics *secrets.Metrics
	authorizer     *auth.Authorizer
	registry       *registry.Registry
	auditLogger    *audit.AtomicLogger
	auditMetrics   *audit.Metrics
	limiter        ratelimit.Limiter
	server         *server.Server
	reloadMetrics  *reloadMetrics

	// reloadMu serializes configuration reloads.
	reloadMu sync.Mutex
}

// initApplication wires every component from cfg.
func initApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	metrics := observability.NewMetrics(metricsNamespace)
	metrics.SetBuildInfo(version, gitCommit, buildTime)
	registerer := metrics.Registry()

	tracer, err := initTracer(cfg, logger)
	if err != nil {
		return nil, err
	}

	app := &application{
		config:         cfg,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
		secretsMetrics: secrets.NewMetricsWithRegisterer(metricsNamespace, registerer),
		auditMetrics:   audit.NewMetricsWithRegisterer(metricsNamespace, registerer),
		reloadMetrics:  newReloadMetrics(metrics),
	}

	keys, err := resolveKeys(ctx, cfg, logger, app.secretsMetrics)
	if err != nil {
		app.closePartial(ctx)
		return nil, err
	}

	app.authorizer = auth.New(
		auth.Config{
			Keys:          keys,
			ClockSkew:     cfg.Auth.ClockSkew.Duration(),
			RequireExpiry: cfg.Auth.GetEffectiveRequireExpiry(),
		},
		auth.WithLogger(logger),
		auth.WithMetrics(auth.NewMetricsWithRegisterer(metricsNamespace, registerer)),
	)

	app.registry = registry.New(
		registry.WithLogger(logger),
		registry.WithMetrics(registry.NewMetricsWithRegisterer(metricsNamespace, registerer)),
	)

	proxyOpts := []proxy.Option{
		proxy.WithTimeout(cfg.Proxy.Timeout.Duration()),
		proxy.WithScheme(cfg.Proxy.Scheme),
		proxy.WithLogger(logger),
		proxy.WithMetrics(proxy.NewMetricsWithRegisterer(metricsNamespace, registerer)),
	}
	if cfg.Proxy.CircuitBreaker.Enabled {
		breakers := circuitbreaker.NewRegistry(
			circuitbreaker.Config{
				Threshold:        cfg.Proxy.CircuitBreaker.Threshold,
				Timeout:          cfg.Proxy.CircuitBreaker.Timeout.Duration(),
				HalfOpenRequests: cfg.Proxy.CircuitBreaker.HalfOpenRequests,
			},
			circuitbreaker.WithLogger(logger),
			circuitbreaker.WithMetrics(circuitbreaker.NewMetricsWithRegisterer(metricsNamespace, registerer)),
			circuitbreaker.WithFailurePredicate(proxy.IsUnreachable),
		)
		proxyOpts = append(proxyOpts, proxy.WithCircuitBreakers(breakers))
	}
	backend := proxy.NewClient(proxyOpts...)

	auditLogger, err := newAuditLogger(cfg.Audit, logger, app.auditMetrics)
	if err != nil {
		app.closePartial(ctx)
		return nil, err
	}
	app.auditLogger = audit.NewAtomicLogger(auditLogger)

	app.limiter, err = ratelimit.NewLimiter(ctx, rateLimitConfig(cfg.RateLimit),
		ratelimit.WithFactoryLogger(logger),
		ratelimit.WithFactoryMetrics(ratelimit.NewMetricsWithRegisterer(metricsNamespace, registerer)),
	)
	if err != nil {
		app.closePartial(ctx)
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	dispatcher := dispatch.New(cfg.Connect.Version, app.authorizer, app.registry, backend,
		dispatch.WithAuditLogger(app.auditLogger),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(dispatch.NewMetricsWithRegisterer(metricsNamespace, registerer)),
	)

	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithTracerName(cfg.Tracing.ServiceName),
	}
	if cfg.Metrics.IsEnabled() {
		serverOpts = append(serverOpts, server.WithMetrics(metrics))
	}
	if cfg.RateLimit.Enabled {
		serverOpts = append(serverOpts, server.WithRateLimiter(app.limiter))
	}

	app.server, err = server.New(serverConfig(cfg), app.registry, app.authorizer, dispatcher, serverOpts...)
	if err != nil {
		app.closePartial(ctx)
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return app, nil
}

// initTracer initializes OpenTelemetry tracing.
func initTracer(cfg *config.Config, logger observability.Logger) (*observability.Tracer, error) {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Connect.Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled",
			observability.String("endpoint", cfg.Tracing.Endpoint),
			observability.Float64("sampling_rate", cfg.Tracing.SamplingRate),
		)
	}
	return tracer, nil
}

// resolveKeys returns the gateway keys. Keys named in the secrets section
// are read from the configured provider and win over the inline values.
func resolveKeys(
	ctx context.Context,
	cfg *config.Config,
	logger observability.Logger,
	metrics *secrets.Metrics,
) (auth.Keys, error) {
	apiKey := cfg.Auth.APIKey
	outbound := cfg.Auth.OutboundAPIKey
	jwtSecret := cfg.Auth.JWTSecret

	if cfg.Secrets.Provider != "" {
		provider, err := secrets.NewProvider(secretsConfig(cfg.Secrets), logger, metrics)
		if err != nil {
			return auth.Keys{}, fmt.Errorf("failed to create secrets provider: %w", err)
		}
		defer func() { _ = provider.Close() }()

		values, err := secrets.Resolve(ctx, provider, secrets.Refs{
			APIKey:         cfg.Secrets.Keys.APIKey,
			OutboundAPIKey: cfg.Secrets.Keys.OutboundAPIKey,
			JWTSecret:      cfg.Secrets.Keys.JWTSecret,
		})
		if err != nil {
			return auth.Keys{}, err
		}
		if values.APIKey != "" {
			apiKey = values.APIKey
		}
		if values.OutboundAPIKey != "" {
			outbound = values.OutboundAPIKey
		}
		if values.JWTSecret != "" {
			jwtSecret = values.JWTSecret
		}
	}

	if outbound == "" {
		outbound = apiKey
	}
	if apiKey == "" {
		logger.Warn("no API key configured; registration and API key access are disabled")
	}
	if jwtSecret == "" {
		logger.Warn("no JWT secret configured; bearer tokens will be rejected")
	}

	return auth.Keys{
		APIKey:         apiKey,
		OutboundAPIKey: outbound,
		JWTSecret:      []byte(jwtSecret),
	}, nil
}

// newAuditLogger creates the audit sink described by cfg.
func newAuditLogger(cfg config.AuditConfig, logger observability.Logger, metrics *audit.Metrics) (audit.Logger, error) {
	l, err := audit.NewLogger(auditConfig(cfg),
		audit.WithLoggerLogger(logger),
		audit.WithLoggerMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}
	return l, nil
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Address:         cfg.Server.Address,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:    cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:     cfg.Server.IdleTimeout.Duration(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		TrustedProxies:  cfg.Server.TrustedProxies,
		Version:         cfg.Connect.Version,
		TokenCookie:     cfg.Auth.TokenCookie,
		MetricsPath:     cfg.Metrics.Path,
		RateLimitPaths:  cfg.RateLimit.Paths,
	}
}

func auditConfig(cfg config.AuditConfig) *audit.Config {
	return &audit.Config{
		Enabled: cfg.IsEnabled(),
		Output:  cfg.Output,
		File: audit.FileConfig{
			Path:       cfg.File.Path,
			MaxSizeMB:  cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAgeDays: cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		},
		Async:      cfg.IsAsync(),
		BufferSize: cfg.BufferSize,
	}
}

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Enabled:           cfg.Enabled,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Store:             cfg.Store,
		ClientTTL:         cfg.ClientTTL.Duration(),
		Redis: ratelimit.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Window:   cfg.Redis.Window.Duration(),
		},
	}
}

func secretsConfig(cfg config.SecretsConfig) secrets.Config {
	return secrets.Config{
		Provider:  cfg.Provider,
		EnvPrefix: cfg.Env.Prefix,
		FilePath:  cfg.File.Path,
		Vault: secrets.VaultConfig{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Namespace: cfg.Vault.Namespace,
			Mount:     cfg.Vault.Mount,
			Path:      cfg.Vault.Path,
			Timeout:   cfg.Vault.Timeout.Duration(),
		},
	}
}
