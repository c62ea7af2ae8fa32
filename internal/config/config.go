// Package config loads, validates and watches the gateway configuration.
//
// The configuration is a YAML file with ${VAR} and ${VAR:-default}
// environment substitution. Missing values take defaults, and a few
// CONNECT_* environment variables override the file.
package config

import "time"

// Default values.
const (
	DefaultAddress         = "0.0.0.0"
	DefaultPort            = 8080
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = 10 << 20

	DefaultConnectVersion = "dev"
	DefaultTokenCookie    = "token"

	DefaultProxyScheme      = "http"
	DefaultProxyTimeout     = 10 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second

	DefaultAuditOutput     = "file"
	DefaultAuditFilePath   = "logs/connect.log"
	DefaultAuditMaxSizeMB  = 4
	DefaultAuditMaxBackups = 10
	DefaultAuditBufferSize = 1024

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultMetricsPath = "/metrics"

	DefaultTracingServiceName = "connect"
	DefaultSamplingRate       = 1.0

	DefaultRateLimitRPS   = 10
	DefaultRateLimitBurst = 20
	DefaultRateLimitStore = "memory"
	DefaultClientTTL      = 10 * time.Minute
	DefaultRedisPrefix    = "connect:ratelimit:"
	DefaultRedisWindow    = time.Second

	DefaultSecretsEnvPrefix = "CONNECT_SECRET_"
	DefaultVaultMount       = "secret"
)

// DefaultRateLimitPaths are the endpoints throttled when none are
// configured.
var DefaultRateLimitPaths = []string{"/register", "/services"}

// Config is the gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Connect   ConnectConfig   `yaml:"connect" json:"connect"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Secrets   SecretsConfig   `yaml:"secrets" json:"secrets"`
	Proxy     ProxyConfig     `yaml:"proxy" json:"proxy"`
	Audit     AuditConfig     `yaml:"audit" json:"audit"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	Port            int      `yaml:"port" json:"port"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	MaxBodyBytes    int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	// TrustedProxies may set the client address through forwarding
	// headers. Empty trusts none.
	TrustedProxies []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
}

// ConnectConfig describes this gateway instance.
type ConnectConfig struct {
	Version string `yaml:"version" json:"version"`
}

// AuthConfig holds the keys and token rules.
type AuthConfig struct {
	APIKey string `yaml:"apiKey" json:"-"`
	// OutboundAPIKey is presented to backends. Empty uses APIKey.
	OutboundAPIKey string   `yaml:"outboundApiKey" json:"-"`
	JWTSecret      string   `yaml:"jwtSecret" json:"-"`
	TokenCookie    string   `yaml:"tokenCookie" json:"tokenCookie"`
	ClockSkew      Duration `yaml:"clockSkew" json:"clockSkew"`
	RequireExpiry  *bool    `yaml:"requireExpiry,omitempty" json:"requireExpiry,omitempty"`
}

// GetEffectiveOutboundAPIKey returns the key sent to backends.
func (a *AuthConfig) GetEffectiveOutboundAPIKey() string {
	if a.OutboundAPIKey != "" {
		return a.OutboundAPIKey
	}
	return a.APIKey
}

// GetEffectiveRequireExpiry reports whether tokens must carry exp.
func (a *AuthConfig) GetEffectiveRequireExpiry() bool {
	return a.RequireExpiry == nil || *a.RequireExpiry
}

// SecretsConfig selects where keys are read from. When Provider is empty
// the keys in AuthConfig are used as written.
type SecretsConfig struct {
	Provider string             `yaml:"provider" json:"provider"`
	Env      EnvSecretsConfig   `yaml:"env" json:"env"`
	File     FileSecretsConfig  `yaml:"file" json:"file"`
	Vault    VaultSecretsConfig `yaml:"vault" json:"vault"`
	Keys     SecretKeysConfig   `yaml:"keys" json:"keys"`
}

// EnvSecretsConfig configures the environment provider.
type EnvSecretsConfig struct {
	Prefix string `yaml:"prefix" json:"prefix"`
}

// FileSecretsConfig configures the file provider.
type FileSecretsConfig struct {
	Path string `yaml:"path" json:"path"`
}

// VaultSecretsConfig configures the Vault KV v2 provider.
type VaultSecretsConfig struct {
	Address   string   `yaml:"address" json:"address"`
	Token     string   `yaml:"token" json:"-"`
	Namespace string   `yaml:"namespace" json:"namespace"`
	Mount     string   `yaml:"mount" json:"mount"`
	Path      string   `yaml:"path" json:"path"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// SecretKeysConfig names the secret holding each key.
type SecretKeysConfig struct {
	APIKey         string `yaml:"apiKey" json:"apiKey"`
	OutboundAPIKey string `yaml:"outboundApiKey" json:"outboundApiKey"`
	JWTSecret      string `yaml:"jwtSecret" json:"jwtSecret"`
}

// ProxyConfig configures backend calls.
type ProxyConfig struct {
	Scheme         string               `yaml:"scheme" json:"scheme"`
	Timeout        Duration             `yaml:"timeout" json:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
}

// CircuitBreakerConfig configures per-service breakers.
type CircuitBreakerConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	Threshold        int      `yaml:"threshold" json:"threshold"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	HalfOpenRequests int      `yaml:"halfOpenRequests" json:"halfOpenRequests"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Enabled    *bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Output     string          `yaml:"output" json:"output"`
	File       AuditFileConfig `yaml:"file" json:"file"`
	Async      *bool           `yaml:"async,omitempty" json:"async,omitempty"`
	BufferSize int             `yaml:"bufferSize" json:"bufferSize"`
}

// AuditFileConfig configures audit file rotation.
type AuditFileConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB" json:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" json:"maxAgeDays"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// IsEnabled reports whether auditing is on. It defaults to true.
func (a *AuditConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// IsAsync reports whether records are written in the background. It
// defaults to true.
func (a *AuditConfig) IsAsync() bool {
	return a.Async == nil || *a.Async
}

// LoggingConfig configures the application logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled reports whether metrics are served. It defaults to true.
func (m *MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// RateLimitConfig configures throttling of the listed paths.
type RateLimitConfig struct {
	Enabled           bool                 `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64              `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int                  `yaml:"burst" json:"burst"`
	Paths             []string             `yaml:"paths" json:"paths"`
	Store             string               `yaml:"store" json:"store"`
	ClientTTL         Duration             `yaml:"clientTTL" json:"clientTTL"`
	Redis             RedisRateLimitConfig `yaml:"redis" json:"redis"`
}

// RedisRateLimitConfig configures the shared Redis store.
type RedisRateLimitConfig struct {
	Address  string   `yaml:"address" json:"address"`
	Password string   `yaml:"password" json:"-"`
	DB       int      `yaml:"db" json:"db"`
	Prefix   string   `yaml:"prefix" json:"prefix"`
	Window   Duration `yaml:"window" json:"window"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	c.Server.applyDefaults()
	if c.Connect.Version == "" {
		c.Connect.Version = DefaultConnectVersion
	}
	if c.Auth.TokenCookie == "" {
		c.Auth.TokenCookie = DefaultTokenCookie
	}
	c.Secrets.applyDefaults()
	c.Proxy.applyDefaults()
	c.Audit.applyDefaults()
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = DefaultTracingServiceName
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = DefaultSamplingRate
	}
	c.RateLimit.applyDefaults()
}

func (s *ServerConfig) applyDefaults() {
	if s.Address == "" {
		s.Address = DefaultAddress
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

func (s *SecretsConfig) applyDefaults() {
	if s.Env.Prefix == "" {
		s.Env.Prefix = DefaultSecretsEnvPrefix
	}
	if s.Vault.Mount == "" {
		s.Vault.Mount = DefaultVaultMount
	}
}

func (p *ProxyConfig) applyDefaults() {
	if p.Scheme == "" {
		p.Scheme = DefaultProxyScheme
	}
	if p.Timeout == 0 {
		p.Timeout = Duration(DefaultProxyTimeout)
	}
	if p.CircuitBreaker.Threshold == 0 {
		p.CircuitBreaker.Threshold = DefaultBreakerThreshold
	}
	if p.CircuitBreaker.Timeout == 0 {
		p.CircuitBreaker.Timeout = Duration(DefaultBreakerTimeout)
	}
	if p.CircuitBreaker.HalfOpenRequests == 0 {
		p.CircuitBreaker.HalfOpenRequests = 1
	}
}

func (a *AuditConfig) applyDefaults() {
	if a.Output == "" {
		a.Output = DefaultAuditOutput
	}
	if a.File.Path == "" {
		a.File.Path = DefaultAuditFilePath
	}
	if a.File.MaxSizeMB == 0 {
		a.File.MaxSizeMB = DefaultAuditMaxSizeMB
	}
	if a.File.MaxBackups == 0 {
		a.File.MaxBackups = DefaultAuditMaxBackups
	}
	if a.BufferSize == 0 {
		a.BufferSize = DefaultAuditBufferSize
	}
}

func (r *RateLimitConfig) applyDefaults() {
	if r.RequestsPerSecond == 0 {
		r.RequestsPerSecond = DefaultRateLimitRPS
	}
	if r.Burst == 0 {
		r.Burst = DefaultRateLimitBurst
	}
	if len(r.Paths) == 0 {
		r.Paths = append([]string(nil), DefaultRateLimitPaths...)
	}
	if r.Store == "" {
		r.Store = DefaultRateLimitStore
	}
	if r.ClientTTL == 0 {
		r.ClientTTL = Duration(DefaultClientTTL)
	}
	if r.Redis.Prefix == "" {
		r.Redis.Prefix = DefaultRedisPrefix
	}
	if r.Redis.Window == 0 {
		r.Redis.Window = Duration(DefaultRedisWindow)
	}
}
