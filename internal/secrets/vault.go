package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/connect/internal/observability"
)

// Vault defaults.
const (
	DefaultVaultMount   = "secret"
	DefaultVaultTimeout = 10 * time.Second
)

var _ Provider = (*VaultProvider)(nil)

// VaultConfig configures a VaultProvider.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	// Mount is the KV v2 engine mount point.
	Mount string
	// Path is the secret holding every key as a field.
	Path       string
	Timeout    time.Duration
	MaxRetries int
}

// VaultProvider reads fields of one KV v2 secret using token auth.
type VaultProvider struct {
	client  *vaultapi.Client
	mount   string
	path    string
	logger  observability.Logger
	metrics *Metrics
}

// NewVaultProvider creates a Vault provider.
func NewVaultProvider(cfg VaultConfig, logger observability.Logger, metrics *Metrics) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: vault token is required", ErrProviderNotConfigured)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: vault secret path is required", ErrProviderNotConfigured)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = cfg.Timeout
	if apiConfig.Timeout <= 0 {
		apiConfig.Timeout = DefaultVaultTimeout
	}
	apiConfig.MaxRetries = cfg.MaxRetries

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = DefaultVaultMount
	}

	logger.Info("vault secrets provider initialized",
		observability.String("address", cfg.Address),
		observability.String("mount", mount),
		observability.String("path", cfg.Path),
	)

	return &VaultProvider{
		client:  client,
		mount:   mount,
		path:    strings.Trim(cfg.Path, "/"),
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Type implements Provider.
func (*VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// DataPath returns the logical path of the KV v2 secret.
func (p *VaultProvider) DataPath() string {
	return p.mount + "/data/" + p.path
}

// GetSecret implements Provider. name is a field of the configured secret.
func (p *VaultProvider) GetSecret(ctx context.Context, name string) (value string, err error) {
	start := time.Now()
	defer func() { p.metrics.record(ProviderTypeVault, time.Since(start), err) }()

	if name == "" {
		return "", ErrInvalidName
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, p.DataPath())
	if err != nil {
		return "", fmt.Errorf("read vault secret %s: %w", p.DataPath(), err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, p.DataPath())
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: %s has no data", ErrSecretNotFound, p.DataPath())
	}

	raw, ok := data[name]
	if !ok {
		return "", fmt.Errorf("%w: field %s of %s", ErrSecretNotFound, name, p.DataPath())
	}
	value, ok = raw.(string)
	if !ok {
		return "", fmt.Errorf("vault field %s of %s is %T, not a string", name, p.DataPath(), raw)
	}

	p.logger.Debug("read secret from vault",
		observability.String("path", p.DataPath()),
		observability.String("field", name),
	)
	return value, nil
}

// Close implements Provider.
func (p *VaultProvider) Close() error {
	p.client.ClearToken()
	return nil
}
