package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	t.Parallel()

	metrics := NewMetricsWithRegisterer("test", prometheus.NewRegistry())
	p := NewEnvProvider("", nil, metrics)
	env := map[string]string{"CONNECT_SECRET_JWT_SECRET": "s3cret"}
	p.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	assert.Equal(t, ProviderTypeEnv, p.Type())
	assert.Equal(t, "CONNECT_SECRET_API_KEY", p.EnvName("api-key"))
	assert.Equal(t, "CONNECT_SECRET_A_B_C", p.EnvName("a.b/c"))

	v, err := p.GetSecret(context.Background(), "jwt-secret")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = p.GetSecret(context.Background(), "api-key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.ErrorContains(t, err, "CONNECT_SECRET_API_KEY")

	_, err = p.GetSecret(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidName)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.operationsTotal.WithLabelValues("env", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.operationsTotal.WithLabelValues("env", "not_found")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.operationsTotal.WithLabelValues("env", "error")), 0)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "yaml", file: "secrets.yaml", content: "api-key: k1\njwt-secret: \"s2\"\n"},
		{name: "json", file: "secrets.json", content: `{"api-key":"k1","jwt-secret":"s2"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := NewFileProvider(writeFile(t, tt.file, tt.content), nil, nil)
			require.NoError(t, err)
			assert.Equal(t, ProviderTypeFile, p.Type())

			v, err := p.GetSecret(context.Background(), "api-key")
			require.NoError(t, err)
			assert.Equal(t, "k1", v)

			v, err = p.GetSecret(context.Background(), "jwt-secret")
			require.NoError(t, err)
			assert.Equal(t, "s2", v)

			_, err = p.GetSecret(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrSecretNotFound)
		})
	}
}

func TestFileProvider_RereadsFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "secrets.yaml", "api-key: old\n")
	p, err := NewFileProvider(path, nil, nil)
	require.NoError(t, err)

	v, err := p.GetSecret(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, "old", v)

	require.NoError(t, os.WriteFile(path, []byte("api-key: new\n"), 0o600))
	v, err = p.GetSecret(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestFileProvider_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewFileProvider("", nil, nil)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = NewFileProvider(filepath.Join(t.TempDir(), "absent.yaml"), nil, nil)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = NewFileProvider(t.TempDir(), nil, nil)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	p, err := NewFileProvider(writeFile(t, "bad.yaml", "- a\n- b\n"), nil, nil)
	require.NoError(t, err)
	_, err = p.GetSecret(context.Background(), "a")
	assert.ErrorContains(t, err, "parse secrets file")
}

func newVaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/kv/data/connect":
			_, _ = w.Write([]byte(`{"data":{"data":{"api-key":"vault-key","port":8080},"metadata":{"version":3}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultProvider(t *testing.T) {
	t.Parallel()

	srv := newVaultServer(t)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "root", Mount: "/kv/", Path: "connect"}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, ProviderTypeVault, p.Type())
	assert.Equal(t, "kv/data/connect", p.DataPath())

	v, err := p.GetSecret(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, "vault-key", v)

	_, err = p.GetSecret(context.Background(), "jwt-secret")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = p.GetSecret(context.Background(), "port")
	assert.ErrorContains(t, err, "not a string")
}

func TestVaultProvider_MissingSecret(t *testing.T) {
	t.Parallel()

	srv := newVaultServer(t)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "root", Path: "other"}, nil, nil)
	require.NoError(t, err)

	_, err = p.GetSecret(context.Background(), "api-key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestVaultProvider_Forbidden(t *testing.T) {
	t.Parallel()

	srv := newVaultServer(t)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "wrong", Path: "connect", Mount: "kv"}, nil, nil)
	require.NoError(t, err)

	_, err = p.GetSecret(context.Background(), "api-key")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSecretNotFound)
}

func TestNewVaultProvider_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  VaultConfig
	}{
		{name: "no address", cfg: VaultConfig{Token: "t", Path: "p"}},
		{name: "no token", cfg: VaultConfig{Address: "http://127.0.0.1:8200", Path: "p"}},
		{name: "no path", cfg: VaultConfig{Address: "http://127.0.0.1:8200", Token: "t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewVaultProvider(tt.cfg, nil, nil)
			assert.ErrorIs(t, err, ErrProviderNotConfigured)
		})
	}
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(Config{Provider: "env", EnvPrefix: "X_"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeEnv, p.Type())

	p, err = NewProvider(Config{Provider: "file", FilePath: writeFile(t, "s.yaml", "a: b\n")}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeFile, p.Type())

	srv := newVaultServer(t)
	p, err = NewProvider(Config{Provider: "vault", Vault: VaultConfig{Address: srv.URL, Token: "root", Path: "connect"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderTypeVault, p.Type())

	_, err = NewProvider(Config{Provider: "kubernetes"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidProviderType)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	p, err := NewFileProvider(writeFile(t, "s.yaml", "shared: k1\nsigning: s1\n"), nil, nil)
	require.NoError(t, err)

	values, err := Resolve(context.Background(), p, Refs{APIKey: "shared", JWTSecret: "signing"})
	require.NoError(t, err)
	assert.Equal(t, Values{APIKey: "k1", JWTSecret: "s1"}, values)

	_, err = Resolve(context.Background(), p, Refs{OutboundAPIKey: "outbound"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.ErrorContains(t, err, `resolve secret "outbound" from file`)
}
