package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/connect/internal/auth"
	"github.com/vyrodovalexey/connect/internal/dispatch"
	"github.com/vyrodovalexey/connect/internal/observability"
	"github.com/vyrodovalexey/connect/internal/proxy"
	"github.com/vyrodovalexey/connect/internal/ratelimit"
	"github.com/vyrodovalexey/connect/internal/registry"
)

const (
	testAPIKey = "shared-key"
	testSecret = "jwt-secret"
)

type stubDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	ids      []string
	result   dispatch.Result
	panicMsg string
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result {
	if d.panicMsg != "" {
		panic(d.panicMsg)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	d.ids = append(d.ids, observability.RequestIDFromContext(ctx))
	return d.result
}

func (d *stubDispatcher) last(t *testing.T) (dispatch.Request, string) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.requests)
	return d.requests[len(d.requests)-1], d.ids[len(d.ids)-1]
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (*ratelimit.Result, error) {
	return nil, errors.New("redis down")
}

func (failingLimiter) Close() error { return nil }

func newAuthorizer() *auth.Authorizer {
	return auth.New(auth.Config{
		Keys:          auth.Keys{APIKey: testAPIKey, JWTSecret: []byte(testSecret)},
		RequireExpiry: true,
	})
}

func newTestServer(t *testing.T, d Dispatcher, opts ...Option) (*Server, *registry.Registry) {
	t.Helper()
	if d == nil {
		d = &stubDispatcher{}
	}
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.Version = "3.1.0"
	srv, err := New(cfg, reg, newAuthorizer(), d, opts...)
	require.NoError(t, err)
	return srv, reg
}

func do(t *testing.T, h http.Handler, method, target, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func registerBody(name, version string, extra string) string {
	return `{"name":"` + name + `","description":"file store","version":"` + version + `",` +
		`"routes":[{"path":"files","method":"GET","permission":4},{"path":"files/{id}","method":"DELETE","permission":6}],` +
		`"listeningPort":9100,"apiKey":"` + testAPIKey + `"` + extra + `}`
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(DefaultConfig(), nil, newAuthorizer(), &stubDispatcher{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.TrustedProxies = []string{"not-an-ip"}
	_, err = New(cfg, registry.New(), newAuthorizer(), &stubDispatcher{})
	assert.ErrorContains(t, err, "trusted proxies")
}

func TestPing(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := do(t, srv, http.MethodGet, PathPing, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, nil)
	reg.Register(registry.Service{Name: "a", Version: "1"})

	rec := do(t, srv, http.MethodGet, PathHealth, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"3.1.0","services":1}`, rec.Body.String())
}

func TestRegister(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, PathRegister, registerBody("files", "1.0.0", ""))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"message":"Registered files version 1.0.0"}`, rec.Body.String())

	svc, ok := reg.Lookup("files")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", svc.Host)
	assert.Equal(t, 9100, svc.Port)
	require.Len(t, svc.Routes, 2)
	assert.Equal(t, registry.MethodDelete, svc.Routes[1].Method)
	assert.EqualValues(t, 6, svc.Routes[1].Permission)

	rec = do(t, srv, http.MethodPost, PathRegister, registerBody("files", "2.0.0", `,"overrideIp":"10.1.2.3"`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"message":"Replaced existing files with version 2.0.0"}`, rec.Body.String())

	svc, ok = reg.Lookup("files")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", svc.Version)
	assert.Equal(t, "10.1.2.3", svc.Host)
	assert.Equal(t, 1, reg.Len())
}

func TestRegister_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name:     "wrong api key",
			body:     strings.Replace(registerBody("files", "1", ""), testAPIKey, "nope", 1),
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "invalid fields without api key",
			body:     strings.Replace(registerBody("", "1", ""), testAPIKey, "nope", 1),
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "empty object",
			body:     `{}`,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "malformed json",
			body:     `{"name":`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "missing name",
			body:     registerBody("", "1", ""),
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "lower case method",
			body:     strings.Replace(registerBody("files", "1", ""), `"GET"`, `"get"`, 1),
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "negative permission",
			body:     strings.Replace(registerBody("files", "1", ""), `"permission":4`, `"permission":-1`, 1),
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "port out of range",
			body:     strings.Replace(registerBody("files", "1", ""), "9100", "70000", 1),
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "bad override address",
			body:     registerBody("files", "1", `,"overrideIp":"not an address"`),
			wantCode: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, reg := newTestServer(t, nil)
			rec := do(t, srv, http.MethodPost, PathRegister, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Zero(t, reg.Len())
		})
	}
}

func TestServices_PublicView(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, PathServices, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	require.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, PathRegister, registerBody("files", "1", "")).Code)

	first := do(t, srv, http.MethodGet, PathServices, "")
	require.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `[{"name":"files","description":"file store","version":"1","routes":[`+
		`{"path":"files","method":"GET","permission":4},{"path":"files/{id}","method":"DELETE","permission":6}]}]`,
		first.Body.String())
	assert.NotContains(t, first.Body.String(), "9100")
	assert.NotContains(t, first.Body.String(), testAPIKey)

	second := do(t, srv, http.MethodGet, PathServices, "")
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestConnect_PassesRequestToDispatcher(t *testing.T) {
	t.Parallel()

	d := &stubDispatcher{result: dispatch.Result{
		HTTPCode: http.StatusNotFound,
		Response: dispatch.Response{
			ID: "x", Status: dispatch.StatusUnregistered,
			Message: dispatch.MessageServiceNotRegistered, Payload: json.RawMessage(`{}`),
		},
	}}
	srv, _ := newTestServer(t, d)

	body := `{"clientName":"cli","clientVersion":"1","serviceName":"files","path":"files/7","debug":true,"payload":{"a":1}}`
	rec := do(t, srv, http.MethodDelete, PathConnect, body, func(r *http.Request) {
		r.Header.Set(auth.AuthorizationHeader, auth.BearerPrefix+"tok")
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"success":false,"id":"x","status":"unregistered","message":"Service not registered","payload":{}}`,
		rec.Body.String())

	req, id := d.last(t)
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "tok", req.Token)
	assert.Equal(t, "files", req.ServiceName)
	assert.Equal(t, "files/7", req.Path)
	assert.True(t, req.Debug)
	assert.JSONEq(t, `{"a":1}`, string(req.Payload))
	assert.Equal(t, rec.Header().Get(RequestIDHeader), id)
}

func TestConnect_TokenCookieAndEmptyBody(t *testing.T) {
	t.Parallel()

	d := &stubDispatcher{result: dispatch.Result{HTTPCode: http.StatusOK}}
	srv, _ := newTestServer(t, d)

	rec := do(t, srv, http.MethodGet, PathConnect, "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: DefaultTokenCookie, Value: "cookie-tok"})
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	req, _ := d.last(t)
	assert.Equal(t, "cookie-tok", req.Token)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Empty(t, req.ServiceName)
}

func TestConnect_AllMethodsRouted(t *testing.T) {
	t.Parallel()

	d := &stubDispatcher{result: dispatch.Result{HTTPCode: http.StatusOK}}
	srv, _ := newTestServer(t, d)

	for _, m := range registry.Methods {
		rec := do(t, srv, m.String(), PathConnect, `{}`)
		assert.Equal(t, http.StatusOK, rec.Code, m)
		req, _ := d.last(t)
		assert.Equal(t, m.String(), req.Method)
	}
}

func TestConnect_InvalidBody(t *testing.T) {
	t.Parallel()

	d := &stubDispatcher{}
	srv, _ := newTestServer(t, d)

	rec := do(t, srv, http.MethodPost, PathConnect, `{"serviceName":`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, d.requests)
}

func TestRequestID_InboundUUIDKept(t *testing.T) {
	t.Parallel()

	d := &stubDispatcher{result: dispatch.Result{HTTPCode: http.StatusOK}}
	srv, _ := newTestServer(t, d)

	const inbound = "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	rec := do(t, srv, http.MethodGet, PathConnect, "", func(r *http.Request) {
		r.Header.Set(RequestIDHeader, inbound)
	})
	assert.Equal(t, inbound, rec.Header().Get(RequestIDHeader))
	_, id := d.last(t)
	assert.Equal(t, inbound, id)

	rec = do(t, srv, http.MethodGet, PathConnect, "", func(r *http.Request) {
		r.Header.Set(RequestIDHeader, "../../etc")
	})
	assert.NotEqual(t, "../../etc", rec.Header().Get(RequestIDHeader))
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	srv, _ := newTestServer(t, &stubDispatcher{panicMsg: "boom"},
		WithLogger(observability.FromZap(zap.New(core))))

	rec := do(t, srv, http.MethodGet, PathConnect, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal Server Error")
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 16
	srv, err := New(cfg, registry.New(), newAuthorizer(), &stubDispatcher{})
	require.NoError(t, err)

	rec := do(t, srv, http.MethodPost, PathRegister, registerBody("files", "1", ""))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// Without a Content-Length the limit is enforced while reading.
	rec = do(t, srv, http.MethodPost, PathRegister, registerBody("files", "1", ""), func(r *http.Request) {
		r.ContentLength = -1
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewTokenBucket(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	metrics := observability.NewMetrics("test")

	srv, _ := newTestServer(t, nil, WithRateLimiter(limiter), WithMetrics(metrics))

	rec := do(t, srv, http.MethodGet, PathServices, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(HeaderRateLimitLimit))

	rec = do(t, srv, http.MethodGet, PathServices, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get(HeaderRetryAfter))
	require.NoError(t, err)
	assert.Positive(t, retry)

	// Paths outside the list are never throttled.
	for range 3 {
		assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, PathPing, "").Code)
	}

	assert.Greater(t, testutil.CollectAndCount(metrics.Registry(), "test_rate_limit_hits_total"), 0)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil, WithRateLimiter(failingLimiter{}))
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, PathServices, "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("test")
	srv, _ := newTestServer(t, nil, WithMetrics(metrics))

	do(t, srv, http.MethodGet, PathPing, "")
	rec := do(t, srv, http.MethodGet, DefaultMetricsPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_requests_total{endpoint="/ping",method="GET",status="200"} 1`)

	srvNoMetrics, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, do(t, srvNoMetrics, http.MethodGet, DefaultMetricsPath, "").Code)
}

func TestServer_StartStop(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background(), ln) }()

	require.Eventually(t, srv.IsRunning, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + ln.Addr().String() + PathPing)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, <-errCh)
	assert.False(t, srv.IsRunning())
	assert.NoError(t, srv.Stop(ctx))
}

func TestEndToEnd_RegisterThenDispatch(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env proxy.Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true,"message":"listed","payload":{"method":"` + r.Method + `","path":"` + r.URL.Path + `"}}`))
	}))
	t.Cleanup(backend.Close)

	host, port, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)

	authorizer := newAuthorizer()
	reg := registry.New()
	d := dispatch.New("3.1.0", authorizer, reg, proxy.NewClient(proxy.WithTimeout(2*time.Second)))
	srv, err := New(DefaultConfig(), reg, authorizer, d)
	require.NoError(t, err)

	body := `{"name":"files","description":"","version":"1","routes":[{"path":"files","method":"GET","permission":4}],` +
		`"listeningPort":` + port + `,"apiKey":"` + testAPIKey + `","overrideIp":"` + host + `"}`
	require.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, PathRegister, body).Code)

	signer, err := auth.NewSigner([]byte(testSecret))
	require.NoError(t, err)
	tok, err := signer.SignFor("user-1", 4, time.Minute)
	require.NoError(t, err)

	rec := do(t, srv, http.MethodGet, PathConnect, `{"serviceName":"files","path":"files"}`, func(r *http.Request) {
		r.Header.Set(auth.AuthorizationHeader, auth.BearerPrefix+tok)
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, dispatch.StatusSuccess, resp.Status)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), resp.ID)
	assert.JSONEq(t, `{"method":"GET","path":"/files"}`, string(resp.Payload))

	rec = do(t, srv, http.MethodPost, PathConnect, `{"serviceName":"files","path":"files"}`, func(r *http.Request) {
		r.Header.Set(auth.AuthorizationHeader, auth.BearerPrefix+tok)
	})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, srv, http.MethodGet, PathConnect, `{"serviceName":"files","path":"files"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, http.MethodGet, PathConnect, `{"serviceName":"nope","path":"files"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), dispatch.MessageServiceNotRegistered)
}
