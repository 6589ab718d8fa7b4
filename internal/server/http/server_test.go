package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/and161185/portal-session/internal/limiter"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/repository"
	"github.com/and161185/portal-session/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv  *httptest.Server
	auth *service.AuthServiceImpl
	reg  *prometheus.Registry
}

func newFixture(t *testing.T, ttl time.Duration, perQuota int) *fixture {
	t.Helper()
	pol := limiter.DefaultPolicy
	pol.PerQuota = perQuota
	lim := limiter.NewMemory(pol)
	auth := service.NewAuthService(repository.NewMemoryAccounts(), repository.NewMemoryTokens(), []byte("k"), ttl, lim)
	reg := prometheus.NewRegistry()
	s := New(Config{Auth: auth, Quota: lim, DemoAPIKeys: []string{"demo-key", " "}, Registry: reg})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, auth: auth, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path string, body any, hdr map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func bearer(tok string) map[string]string { return map[string]string{"Authorization": "Bearer " + tok} }

func TestAuthFlow(t *testing.T) {
	f := newFixture(t, time.Minute, 30)

	resp := f.do(t, http.MethodPost, "/auth/register", registerRequest{Name: "Ana", Email: "ana@example.com", Password: "password1"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reg := decodeBody[sessionResponse](t, resp)
	require.NotEmpty(t, reg.AccessToken)
	require.NotEmpty(t, reg.RefreshToken)
	require.Equal(t, model.RoleTenantUser, reg.User.Role)

	resp = f.do(t, http.MethodPost, "/auth/register", registerRequest{Name: "Ana", Email: "ANA@example.com", Password: "password1"}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/auth/login", loginRequest{Email: "ana@example.com", Password: "wrong-pass"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/auth/login", loginRequest{Email: "ana@example.com", Password: "password1"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decodeBody[sessionResponse](t, resp)

	resp = f.do(t, http.MethodGet, "/api/me", nil, bearer(login.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decodeBody[model.User](t, resp)
	require.Equal(t, "ana@example.com", me.Email)

	resp = f.do(t, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: login.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ref := decodeBody[refreshResponse](t, resp)
	require.NotEmpty(t, ref.AccessToken)

	resp = f.do(t, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: "bogus"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, time.Minute, 30)

	resp := f.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@b.c", "extra": "x"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/auth/register", registerRequest{Name: "x", Email: "nope", Password: "password1"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Bearer(t *testing.T) {
	f := newFixture(t, -time.Minute, 30)

	resp := f.do(t, http.MethodGet, "/api/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp = f.do(t, http.MethodGet, "/api/me", nil, bearer("garbage"))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")

	// negative TTL issues already-expired tokens
	resp = f.do(t, http.MethodPost, "/auth/register", registerRequest{Name: "Bo", Email: "bo@example.com", Password: "password1"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	s := decodeBody[sessionResponse](t, resp)

	resp = f.do(t, http.MethodGet, "/api/me", nil, bearer(s.AccessToken))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "token_expired")
}

func TestAPI_TenantsRequiresSuperAdmin(t *testing.T) {
	f := newFixture(t, time.Minute, 30)
	ctx := context.Background()

	_, err := f.auth.CreateAccount(ctx, "Root", "root@example.com", "password1", model.RoleSuperAdmin, "")
	require.NoError(t, err)
	_, err = f.auth.CreateAccount(ctx, "Tina", "tina@example.com", "password1", model.RoleTenantUser, "t1")
	require.NoError(t, err)

	tenant, err := f.auth.Login(ctx, "tina@example.com", "password1", "127.0.0.1")
	require.NoError(t, err)
	resp := f.do(t, http.MethodGet, "/api/tenants", nil, bearer(tenant.Tokens.AccessToken))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin, err := f.auth.Login(ctx, "root@example.com", "password1", "127.0.0.1")
	require.NoError(t, err)
	resp = f.do(t, http.MethodGet, "/api/tenants", nil, bearer(admin.Tokens.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := decodeBody[[]model.User](t, resp)
	require.Len(t, users, 2)
}

func TestDemoGate(t *testing.T) {
	f := newFixture(t, time.Minute, 2)
	hdr := map[string]string{APIKeyHeader: "demo-key", FingerprintHeader: "1z0aavx"}

	cases := []struct {
		name string
		hdr  map[string]string
		want int
	}{
		{"no key", map[string]string{FingerprintHeader: "x"}, http.StatusUnauthorized},
		{"blank key is not a key", map[string]string{APIKeyHeader: " ", FingerprintHeader: "x"}, http.StatusUnauthorized},
		{"no fingerprint", map[string]string{APIKeyHeader: "demo-key"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodGet, "/demo/ping", nil, tc.hdr)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodGet, "/demo/reports/1", nil, hdr)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody[map[string]string](t, resp)
		require.Equal(t, "/reports/1", body["path"])
		require.Equal(t, "1z0aavx", body["fingerprint"])
	}
	resp := f.do(t, http.MethodGet, "/demo/reports/1", nil, hdr)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	// a different fingerprint has its own bucket
	other := map[string]string{APIKeyHeader: "demo-key", FingerprintHeader: "other"}
	resp = f.do(t, http.MethodGet, "/demo/reports/1", nil, other)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, time.Minute, 30)

	resp := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_ = f.do(t, http.MethodGet, "/api/me", nil, nil)

	resp = f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), "mockapi_http_requests_total"))

	n, err := testutil.GatherAndCount(f.reg, "mockapi_http_requests_total")
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 2)
}

func TestRetryAfter(t *testing.T) {
	require.Equal(t, "1", retryAfter(0))
	require.Equal(t, "1", retryAfter(200*time.Millisecond))
	require.Equal(t, "3", retryAfter(2500*time.Millisecond))
}
