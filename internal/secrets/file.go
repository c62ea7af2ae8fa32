package secrets

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/connect/internal/observability"
)

var _ Provider = (*FileProvider)(nil)

// FileProvider reads secrets from a flat YAML or JSON map of names to
// values. The file is read on every lookup so rotated files take effect
// on the next reload.
type FileProvider struct {
	path    string
	logger  observability.Logger
	metrics *Metrics
}

// NewFileProvider creates a file provider. The file must exist.
func NewFileProvider(path string, logger observability.Logger, metrics *Metrics) (*FileProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file path is required", ErrProviderNotConfigured)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderNotConfigured, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrProviderNotConfigured, path)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &FileProvider{path: path, logger: logger, metrics: metrics}, nil
}

// Type implements Provider.
func (*FileProvider) Type() ProviderType {
	return ProviderTypeFile
}

// GetSecret implements Provider.
func (p *FileProvider) GetSecret(_ context.Context, name string) (value string, err error) {
	start := time.Now()
	defer func() { p.metrics.record(ProviderTypeFile, time.Since(start), err) }()

	if name == "" {
		return "", ErrInvalidName
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return "", fmt.Errorf("read secrets file: %w", err)
	}

	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return "", fmt.Errorf("parse secrets file %s: %w", p.path, err)
	}

	value, ok := values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s not in %s", ErrSecretNotFound, name, p.path)
	}

	p.logger.Debug("read secret from file",
		observability.String("name", name),
		observability.String("path", p.path),
	)
	return value, nil
}

// Close implements Provider.
func (*FileProvider) Close() error {
	return nil
}
