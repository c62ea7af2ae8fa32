package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError describes one invalid field.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// Validator validates a Config.
type Validator struct {
	errors ValidationErrors
}

// ValidateConfig validates cfg and returns ValidationErrors when invalid.
func ValidateConfig(cfg *Config) error {
	v := &Validator{}
	return v.Validate(cfg)
}

// Validate validates cfg.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateAuth(cfg)
	v.validateSecrets(&cfg.Secrets)
	v.validateProxy(&cfg.Proxy)
	v.validateAudit(&cfg.Audit)
	v.validateLogging(&cfg.Logging)
	v.validateMetrics(&cfg.Metrics)
	v.validateTracing(&cfg.Tracing)
	v.validateRateLimit(&cfg.RateLimit)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Port < 1 || s.Port > 65535 {
		v.addError("server.port", "port must be between 1 and 65535")
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.IdleTimeout < 0 || s.ShutdownTimeout < 0 {
		v.addError("server", "timeouts must not be negative")
	}
	if s.MaxBodyBytes < 0 {
		v.addError("server.maxBodyBytes", "must not be negative")
	}
}

func (v *Validator) validateAuth(cfg *Config) {
	fromSecrets := cfg.Secrets.Provider != ""
	if cfg.Auth.APIKey == "" && !(fromSecrets && cfg.Secrets.Keys.APIKey != "") {
		v.addError("auth.apiKey", "an API key is required, directly or through secrets.keys.apiKey")
	}
	if cfg.Auth.ClockSkew < 0 {
		v.addError("auth.clockSkew", "must not be negative")
	}
	if cfg.Auth.TokenCookie == "" {
		v.addError("auth.tokenCookie", "cookie name is required")
	}
}

func (v *Validator) validateSecrets(s *SecretsConfig) {
	switch s.Provider {
	case "":
		return
	case "env":
	case "file":
		if s.File.Path == "" {
			v.addError("secrets.file.path", "path is required for the file provider")
		}
	case "vault":
		if s.Vault.Address == "" {
			v.addError("secrets.vault.address", "address is required for the vault provider")
		} else if _, err := url.ParseRequestURI(s.Vault.Address); err != nil {
			v.addError("secrets.vault.address", "address must be a URL")
		}
		if s.Vault.Token == "" {
			v.addError("secrets.vault.token", "token is required for the vault provider")
		}
		if s.Vault.Path == "" {
			v.addError("secrets.vault.path", "path is required for the vault provider")
		}
	default:
		v.addError("secrets.provider", "provider must be one of: env, file, vault")
	}
}

func (v *Validator) validateProxy(p *ProxyConfig) {
	if p.Scheme != "http" && p.Scheme != "https" {
		v.addError("proxy.scheme", "scheme must be http or https")
	}
	if p.Timeout <= 0 {
		v.addError("proxy.timeout", "timeout must be positive")
	}
	if p.CircuitBreaker.Enabled {
		if p.CircuitBreaker.Threshold < 1 {
			v.addError("proxy.circuitBreaker.threshold", "threshold must be at least 1")
		}
		if p.CircuitBreaker.Timeout <= 0 {
			v.addError("proxy.circuitBreaker.timeout", "timeout must be positive")
		}
	}
}

func (v *Validator) validateAudit(a *AuditConfig) {
	if !a.IsEnabled() {
		return
	}
	if !slices.Contains([]string{"stdout", "stderr", "file"}, a.Output) {
		v.addError("audit.output", "output must be one of: stdout, stderr, file")
	}
	if a.Output == "file" && a.File.Path == "" {
		v.addError("audit.file.path", "path is required for file output")
	}
	if a.File.MaxSizeMB < 0 || a.File.MaxBackups < 0 || a.File.MaxAgeDays < 0 {
		v.addError("audit.file", "rotation limits must not be negative")
	}
	if a.BufferSize < 1 {
		v.addError("audit.bufferSize", "buffer size must be at least 1")
	}
}

func (v *Validator) validateLogging(l *LoggingConfig) {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(l.Level)) {
		v.addError("logging.level", "level must be one of: debug, info, warn, error")
	}
	if l.Format != "json" && l.Format != "console" {
		v.addError("logging.format", "format must be json or console")
	}
}

func (v *Validator) validateMetrics(m *MetricsConfig) {
	if m.IsEnabled() && !strings.HasPrefix(m.Path, "/") {
		v.addError("metrics.path", "path must start with /")
	}
}

func (v *Validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "sampling rate must be between 0 and 1")
	}
	if t.Enabled && t.Endpoint == "" {
		v.addError("tracing.endpoint", "endpoint is required when tracing is enabled")
	}
}

func (v *Validator) validateRateLimit(r *RateLimitConfig) {
	if !r.Enabled {
		return
	}
	if r.RequestsPerSecond <= 0 {
		v.addError("rateLimit.requestsPerSecond", "must be positive")
	}
	if r.Burst < 1 {
		v.addError("rateLimit.burst", "must be at least 1")
	}
	for i, p := range r.Paths {
		if !strings.HasPrefix(p, "/") {
			v.addError(fmt.Sprintf("rateLimit.paths[%d]", i), "path must start with /")
		}
	}
	switch r.Store {
	case "memory":
	case "redis":
		if r.Redis.Address == "" {
			v.addError("rateLimit.redis.address", "address is required for the redis store")
		}
		if r.Redis.Window <= 0 {
			v.addError("rateLimit.redis.window", "window must be positive")
		}
	default:
		v.addError("rateLimit.store", "store must be memory or redis")
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
