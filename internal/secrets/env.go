package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vyrodovalexey/connect/internal/observability"
)

// DefaultEnvPrefix prefixes environment variables holding secrets.
const DefaultEnvPrefix = "CONNECT_SECRET_"

var _ Provider = (*EnvProvider)(nil)

// EnvProvider reads secrets from environment variables. The name
// "jwt-secret" maps to CONNECT_SECRET_JWT_SECRET.
type EnvProvider struct {
	prefix  string
	lookup  func(string) (string, bool)
	logger  observability.Logger
	metrics *Metrics
}

// NewEnvProvider creates an environment provider. An empty prefix uses
// DefaultEnvPrefix.
func NewEnvProvider(prefix string, logger observability.Logger, metrics *Metrics) *EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &EnvProvider{
		prefix:  prefix,
		lookup:  os.LookupEnv,
		logger:  logger,
		metrics: metrics,
	}
}

// Type implements Provider.
func (*EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

// EnvName returns the variable name for a secret.
func (p *EnvProvider) EnvName(name string) string {
	upper := strings.ToUpper(name)
	upper = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(upper)
	return p.prefix + upper
}

// GetSecret implements Provider.
func (p *EnvProvider) GetSecret(_ context.Context, name string) (value string, err error) {
	start := time.Now()
	defer func() { p.metrics.record(ProviderTypeEnv, time.Since(start), err) }()

	if name == "" {
		return "", ErrInvalidName
	}

	envName := p.EnvName(name)
	value, ok := p.lookup(envName)
	if !ok {
		return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, envName)
	}

	p.logger.Debug("read secret from environment", observability.String("var", envName))
	return value, nil
}

// Close implements Provider.
func (*EnvProvider) Close() error {
	return nil
}
