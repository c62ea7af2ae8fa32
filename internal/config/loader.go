package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// Environment variables overriding the file.
const (
	EnvVersion        = "CONNECT_VERSION"
	EnvAPIKey         = "CONNECT_API_KEY"
	EnvOutboundAPIKey = "CONNECT_OUTBOUND_API_KEY"
	EnvJWTSecret      = "CONNECT_JWT_SECRET"
	EnvPort           = "CONNECT_PORT"
)

// LookupFunc reads an environment variable.
type LookupFunc func(string) (string, bool)

// Loader reads configuration files.
type Loader struct {
	lookup LookupFunc
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLookup replaces os.LookupEnv.
func WithLookup(lookup LookupFunc) LoaderOption {
	return func(l *Loader) {
		l.lookup = lookup
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadConfig loads path with the process environment. An empty path
// yields the defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load reads, substitutes, parses and defaults the file at path, then
// applies environment overrides. It does not validate.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		if err := l.applyEnvOverrides(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return l.parse(data)
}

// LoadFromReader parses configuration from r.
func (l *Loader) LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return l.parse(data)
}

func (l *Loader) parse(data []byte) (*Config, error) {
	content := l.substituteEnvVars(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(content)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.ApplyDefaults()
	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default}. "$$" escapes a
// literal dollar sign.
func (l *Loader) substituteEnvVars(content string) string {
	const escaped = "\x00DOLLAR\x00"
	content = strings.ReplaceAll(content, "$$", escaped)

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if value, ok := l.lookup(sub[1]); ok {
			return value
		}
		return sub[2]
	})

	return strings.ReplaceAll(result, escaped, "$")
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		name string
		dst  *string
	}{
		{EnvVersion, &cfg.Connect.Version},
		{EnvAPIKey, &cfg.Auth.APIKey},
		{EnvOutboundAPIKey, &cfg.Auth.OutboundAPIKey},
		{EnvJWTSecret, &cfg.Auth.JWTSecret},
	}
	for _, o := range overrides {
		if v, ok := l.lookup(o.name); ok && v != "" {
			*o.dst = v
		}
	}

	if v, ok := l.lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		cfg.Server.Port = port
	}
	return nil
}
