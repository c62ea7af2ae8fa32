package main

import (
	"bytes"
	"context"
	"flag"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/connect/internal/auth"
	"github.com/vyrodovalexey/connect/internal/config"
	"github.com/vyrodovalexey/connect/internal/observability"
	"github.com/vyrodovalexey/connect/internal/permission"
)

func boolPtr(b bool) *bool { return &b }

// testConfig returns a valid configuration that writes nothing to disk.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Address = "127.0.0.1"
	cfg.Auth.APIKey = "shared-key"
	cfg.Auth.JWTSecret = "jwt-secret"
	cfg.Audit.Enabled = boolPtr(false)
	return cfg
}

func mapLookup(env map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		setEnv       bool
		defaultValue string
		expected     string
	}{
		{
			name:         "returns env value when set",
			key:          "CONNECT_TEST_ENV_SET",
			value:        "from-env",
			setEnv:       true,
			defaultValue: "default",
			expected:     "from-env",
		},
		{
			name:         "returns default when unset",
			key:          "CONNECT_TEST_ENV_UNSET",
			defaultValue: "default",
			expected:     "default",
		},
		{
			name:         "returns default when empty",
			key:          "CONNECT_TEST_ENV_EMPTY",
			setEnv:       true,
			defaultValue: "default",
			expected:     "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setEnv {
				t.Setenv(tt.key, tt.value)
			}
			assert.Equal(t, tt.expected, getEnvOrDefault(tt.key, tt.defaultValue))
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Setenv(envConfigPath, "/etc/connect/connect.yaml")
	t.Setenv(envLogLevel, "debug")

	flags, err := parseFlags(flag.NewFlagSet("connect", flag.ContinueOnError), []string{"-log-format", "console"})
	require.NoError(t, err)

	assert.Equal(t, "/etc/connect/connect.yaml", flags.configPath)
	assert.Equal(t, "debug", flags.logLevel)
	assert.Equal(t, "console", flags.logFormat)
	assert.False(t, flags.showVersion)

	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	_, err = parseFlags(fs, []string{"-unknown"})
	assert.Error(t, err)
}

func TestServerConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.Port = 9090
	cfg.Server.ReadTimeout = config.Duration(5 * time.Second)
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}
	cfg.Connect.Version = "1.2.3"
	cfg.Auth.TokenCookie = "session"
	cfg.RateLimit.Paths = []string{"/register"}

	sc := serverConfig(cfg)
	assert.Equal(t, "127.0.0.1:9090", sc.Addr())
	assert.Equal(t, 5*time.Second, sc.ReadTimeout)
	assert.Equal(t, config.DefaultShutdownTimeout, sc.ShutdownTimeout)
	assert.Equal(t, int64(config.DefaultMaxBodyBytes), sc.MaxBodyBytes)
	assert.Equal(t, []string{"10.0.0.0/8"}, sc.TrustedProxies)
	assert.Equal(t, "1.2.3", sc.Version)
	assert.Equal(t, "session", sc.TokenCookie)
	assert.Equal(t, config.DefaultMetricsPath, sc.MetricsPath)
	assert.Equal(t, []string{"/register"}, sc.RateLimitPaths)
}

func TestAuditConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*config.AuditConfig)
		wantOn    bool
		wantAsync bool
	}{
		{
			name:      "defaults are enabled and async",
			mutate:    func(*config.AuditConfig) {},
			wantOn:    true,
			wantAsync: true,
		},
		{
			name: "explicitly disabled and sync",
			mutate: func(a *config.AuditConfig) {
				a.Enabled = boolPtr(false)
				a.Async = boolPtr(false)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig().Audit
			cfg.File.Compress = true
			tt.mutate(&cfg)

			ac := auditConfig(cfg)
			assert.Equal(t, tt.wantOn, ac.Enabled)
			assert.Equal(t, tt.wantAsync, ac.Async)
			assert.Equal(t, config.DefaultAuditFilePath, ac.File.Path)
			assert.Equal(t, config.DefaultAuditMaxSizeMB, ac.File.MaxSizeMB)
			assert.True(t, ac.File.Compress)
			assert.Equal(t, config.DefaultAuditBufferSize, ac.BufferSize)
		})
	}
}

func TestRateLimitConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().RateLimit
	cfg.Enabled = true
	cfg.Store = "redis"
	cfg.Redis.Address = "localhost:6379"

	rc := rateLimitConfig(cfg)
	assert.True(t, rc.Enabled)
	assert.Equal(t, float64(config.DefaultRateLimitRPS), rc.RequestsPerSecond)
	assert.Equal(t, config.DefaultRateLimitBurst, rc.Burst)
	assert.Equal(t, "redis", rc.Store)
	assert.Equal(t, config.DefaultClientTTL, rc.ClientTTL)
	assert.Equal(t, "localhost:6379", rc.Redis.Address)
	assert.Equal(t, config.DefaultRedisPrefix, rc.Redis.Prefix)
	assert.Equal(t, config.DefaultRedisWindow, rc.Redis.Window)
	assert.Zero(t, rc.Redis.Requests)
}

func TestResolveKeys_Inline(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		outbound     string
		wantOutbound string
	}{
		{name: "outbound defaults to api key", wantOutbound: "shared-key"},
		{name: "explicit outbound key", outbound: "backend-key", wantOutbound: "backend-key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			cfg.Auth.OutboundAPIKey = tt.outbound

			keys, err := resolveKeys(context.Background(), cfg, observability.NopLogger(), nil)
			require.NoError(t, err)
			assert.Equal(t, "shared-key", keys.APIKey)
			assert.Equal(t, tt.wantOutbound, keys.OutboundAPIKey)
			assert.Equal(t, []byte("jwt-secret"), keys.JWTSecret)
		})
	}
}

func TestResolveKeys_EnvProvider(t *testing.T) {
	t.Setenv("CONNECT_TEST_SECRET_API_KEY", "secret-api-key")
	t.Setenv("CONNECT_TEST_SECRET_JWT", "secret-jwt")

	cfg := testConfig()
	cfg.Secrets.Provider = "env"
	cfg.Secrets.Env.Prefix = "CONNECT_TEST_SECRET_"
	cfg.Secrets.Keys.APIKey = "api-key"
	cfg.Secrets.Keys.JWTSecret = "jwt"

	keys, err := resolveKeys(context.Background(), cfg, observability.NopLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, "secret-api-key", keys.APIKey)
	assert.Equal(t, "secret-api-key", keys.OutboundAPIKey)
	assert.Equal(t, []byte("secret-jwt"), keys.JWTSecret)

	cfg.Secrets.Keys.OutboundAPIKey = "missing"
	_, err = resolveKeys(context.Background(), cfg, observability.NopLogger(), nil)
	assert.Error(t, err)
}

func TestInitApplication(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Proxy.CircuitBreaker.Enabled = true
	cfg.RateLimit.Enabled = true

	app, err := initApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { app.shutdown(context.Background()) })

	require.NotNil(t, app.server)
	require.NotNil(t, app.registry)
	require.NotNil(t, app.authorizer)
	assert.True(t, app.authorizer.ValidateAPIKey("shared-key"))
	assert.False(t, app.authorizer.ValidateAPIKey("other"))
	assert.Equal(t, "shared-key", app.authorizer.OutboundAPIKey())
	assert.Zero(t, app.registry.Len())

	count, err := testutil.GatherAndCount(app.metrics.Registry(), "connect_build_info")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInitApplication_SecretsFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Secrets.Provider = "file"
	cfg.Secrets.File.Path = t.TempDir() + "/missing.yaml"
	cfg.Secrets.Keys.APIKey = "api-key"

	_, err := initApplication(context.Background(), cfg, observability.NopLogger())
	assert.Error(t, err)
}

func TestApplyReload(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	app, err := initApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { app.shutdown(context.Background()) })

	next := testConfig()
	next.Auth.APIKey = "rotated-key"
	next.Auth.JWTSecret = "rotated-secret"
	next.Audit.Enabled = boolPtr(true)
	next.Audit.Output = "stdout"
	next.Server.Port = 9999

	oldAudit := app.auditLogger.Load()
	applyReload(context.Background(), app, next)

	assert.True(t, app.authorizer.ValidateAPIKey("rotated-key"))
	assert.False(t, app.authorizer.ValidateAPIKey("shared-key"))
	assert.NotSame(t, oldAudit, app.auditLogger.Load())
	assert.Equal(t, "rotated-key", app.config.Auth.APIKey)
	assert.Equal(t, config.DefaultPort, app.config.Server.Port, "listener changes need a restart")
	assert.Equal(t, 1.0, testutil.ToFloat64(app.reloadMetrics.reloadTotal.WithLabelValues("success")))

	invalid := testConfig()
	invalid.Auth.APIKey = ""
	applyReload(context.Background(), app, invalid)

	assert.True(t, app.authorizer.ValidateAPIKey("rotated-key"))
	assert.Equal(t, 1.0, testutil.ToFloat64(app.reloadMetrics.reloadTotal.WithLabelValues("error")))
}

func TestRunToken(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runToken([]string{"-user", "alice", "-permission", "6", "-secret", "jwt-secret"},
		&out, mapLookup(nil))
	require.NoError(t, err)

	authorizer := auth.New(auth.Config{
		Keys:          auth.Keys{JWTSecret: []byte("jwt-secret")},
		RequireExpiry: true,
	})
	identity, err := authorizer.ValidateToken(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, permission.Mask(6), identity.Permission)
	assert.Greater(t, identity.ExpiresAt, time.Now().Unix())
}

func TestRunToken_SecretSources(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/connect.yaml"
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  apiKey: k\n  jwtSecret: from-file\n"), 0o600))

	tests := []struct {
		name   string
		args   []string
		env    map[string]string
		secret string
	}{
		{
			name:   "environment",
			args:   []string{"-user", "u"},
			env:    map[string]string{config.EnvJWTSecret: "from-env"},
			secret: "from-env",
		},
		{
			name:   "config file",
			args:   []string{"-user", "u", "-config", path},
			secret: "from-file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			require.NoError(t, runToken(tt.args, &out, mapLookup(tt.env)))

			authorizer := auth.New(auth.Config{Keys: auth.Keys{JWTSecret: []byte(tt.secret)}})
			_, err := authorizer.ValidateToken(context.Background(), strings.TrimSpace(out.String()))
			assert.NoError(t, err)
		})
	}
}

func TestRunToken_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing user", args: []string{"-secret", "s"}, want: "-user is required"},
		{name: "negative ttl", args: []string{"-user", "u", "-secret", "s", "-ttl", "-1m"}, want: "-ttl"},
		{name: "no secret", args: []string{"-user", "u"}, want: "no JWT secret"},
		{name: "bad flag", args: []string{"-nope"}, want: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := runToken(tt.args, &bytes.Buffer{}, mapLookup(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunGateway(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.Port = freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initApplication(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- runGateway(ctx, app, "") }()

	require.Eventually(t, app.server.IsRunning, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
	assert.False(t, app.server.IsRunning())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
