package secrets

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/connect/internal/observability"
)

// Config selects and configures a provider.
type Config struct {
	Provider  string
	EnvPrefix string
	FilePath  string
	Vault     VaultConfig
}

// Refs names the secrets holding each gateway key. Empty names are not
// resolved.
type Refs struct {
	APIKey         string
	OutboundAPIKey string
	JWTSecret      string
}

// Values holds resolved keys. Fields whose ref was empty stay empty.
type Values struct {
	APIKey         string
	OutboundAPIKey string
	JWTSecret      string
}

// NewProvider creates the provider named by cfg.Provider.
func NewProvider(cfg Config, logger observability.Logger, metrics *Metrics) (Provider, error) {
	providerType, err := ValidateProviderType(cfg.Provider)
	if err != nil {
		return nil, err
	}

	switch providerType {
	case ProviderTypeFile:
		return NewFileProvider(cfg.FilePath, logger, metrics)
	case ProviderTypeVault:
		return NewVaultProvider(cfg.Vault, logger, metrics)
	default:
		return NewEnvProvider(cfg.EnvPrefix, logger, metrics), nil
	}
}

// Resolve reads every referenced secret from p. The first failure aborts.
func Resolve(ctx context.Context, p Provider, refs Refs) (Values, error) {
	var values Values

	targets := []struct {
		ref string
		dst *string
	}{
		{refs.APIKey, &values.APIKey},
		{refs.OutboundAPIKey, &values.OutboundAPIKey},
		{refs.JWTSecret, &values.JWTSecret},
	}

	for _, target := range targets {
		if target.ref == "" {
			continue
		}
		value, err := p.GetSecret(ctx, target.ref)
		if err != nil {
			return Values{}, fmt.Errorf("resolve secret %q from %s: %w", target.ref, p.Type(), err)
		}
		*target.dst = value
	}

	return values, nil
}
