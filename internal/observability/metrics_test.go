package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		namespace string
		want      string
	}{
		{name: "custom namespace", namespace: "custom", want: "custom"},
		{name: "empty namespace uses default", namespace: "", want: DefaultNamespace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := NewMetrics(tt.namespace)
			require.NotNil(t, m)
			assert.Equal(t, tt.want, m.Namespace())
			assert.NotNil(t, m.Registry())
		})
	}
}

func TestMetrics_RecordRequest(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.RecordRequest("POST", "/register", 202, 5*time.Millisecond)
	m.RecordRequest("GET", "", 404, time.Millisecond)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "/register", "202")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", unmatchedEndpoint, "404")))
}

func TestMetrics_ActiveRequestsAndRateLimit(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.IncActiveRequests()
	m.IncActiveRequests()
	m.DecActiveRequests()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeRequests))

	m.RecordRateLimitHit("/register")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rateLimitHits.WithLabelValues("/register")))
}

func TestMetrics_RegisterCollector(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "extra_total", Help: "extra"})

	require.NoError(t, m.RegisterCollector(c))
	assert.Error(t, m.RegisterCollector(c))
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.SetBuildInfo("1.0.0", "abc", "now")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "test_build_info"))
}
