package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/portal-session/internal/config"
	"github.com/and161185/portal-session/internal/limiter"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/repository"
	grpcserver "github.com/and161185/portal-session/internal/server/grpc"
	httpserver "github.com/and161185/portal-session/internal/server/http"
	"github.com/and161185/portal-session/internal/service"
	"github.com/and161185/portal-session/internal/session"
	"github.com/and161185/portal-session/internal/storage"
)

type env struct {
	api      *httptest.Server
	auth     *service.AuthServiceImpl
	stateDir string
	// expireNext makes the next /api/me answer 401 before reaching the API.
	expireNext atomic.Bool
}

func newEnv(t *testing.T) *env {
	t.Helper()
	t.Chdir(t.TempDir())
	lim := limiter.NewMemory(limiter.DefaultPolicy)
	auth := service.NewAuthService(repository.NewMemoryAccounts(), repository.NewMemoryTokens(), []byte("k"), time.Minute, lim)
	h := httpserver.New(httpserver.Config{Auth: auth, Quota: lim, DemoAPIKeys: []string{"demo-key"}}).Handler()

	e := &env{auth: auth, stateDir: t.TempDir()}
	e.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/me" && e.expireNext.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(e.api.Close)
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	base := []string{
		"--api-url", e.api.URL,
		"--origin", e.api.URL,
		"--state-dir", e.stateDir,
		"--log-level", "error",
		"--phase2-delay", "1ms",
	}
	err := execute(context.Background(), append(args, base...), &out, &errOut)
	return out.String(), errOut.String(), err
}

func Test_version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"version"}, &out, &out))
	require.Contains(t, out.String(), "portal dev")
}

func Test_sessionLifecycle(t *testing.T) {
	e := newEnv(t)

	_, stderr, err := e.run(t, "whoami")
	require.Error(t, err)
	require.Contains(t, stderr, "redirect: /painel/login")

	out, _, err := e.run(t, "register", "-n", "Ana", "-u", "ana@example.com", "-p", "password1")
	require.NoError(t, err)
	require.NotEmpty(t, strings.TrimSpace(out))

	// a new invocation restores the stored session
	out, _, err = e.run(t, "whoami")
	require.NoError(t, err)
	require.Contains(t, out, `"state": "READY"`)
	require.Contains(t, out, "ana@example.com")
	require.Contains(t, out, "accessExpires")

	out, _, err = e.run(t, "get", "/api/me")
	require.NoError(t, err)
	require.Contains(t, out, "ana@example.com")

	_, _, err = e.run(t, "get", "/api/tenants")
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")

	_, stderr, err = e.run(t, "whoami", "--role", string(model.RoleSuperAdmin))
	require.Error(t, err)
	require.Contains(t, stderr, "redirect: /admin/login")

	out, _, err = e.run(t, "logout")
	require.NoError(t, err)
	require.Contains(t, out, "ok")

	_, _, err = e.run(t, "get", "/api/me")
	require.Error(t, err)
}

func Test_getRefreshesOnce(t *testing.T) {
	e := newEnv(t)
	_, err := e.auth.CreateAccount(context.Background(), "Root", "root@example.com", "password1", model.RoleSuperAdmin, "")
	require.NoError(t, err)

	_, _, err = e.run(t, "login", "-u", "root@example.com", "-p", "password1", "--role", "SUPER_ADMIN")
	require.NoError(t, err)

	e.expireNext.Store(true)
	out, _, err := e.run(t, "get", "/api/me", "--role", "SUPER_ADMIN")
	require.NoError(t, err)
	require.Contains(t, out, "root@example.com")
	require.False(t, e.expireNext.Load())

	out, _, err = e.run(t, "get", "/api/tenants", "--role", "SUPER_ADMIN")
	require.NoError(t, err)
	require.Contains(t, out, "root@example.com")
}

func Test_exportsMetricsAndTraces(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.run(t, "register", "-n", "Ana", "-u", "ana@example.com", "-p", "password1")
	require.NoError(t, err)

	dir := t.TempDir()
	metricsPath := filepath.Join(dir, "portal.prom")
	tracePath := filepath.Join(dir, "spans.json")
	e.expireNext.Store(true)
	_, _, err = e.run(t, "get", "/api/me", "--metrics-file", metricsPath, "--trace-file", tracePath)
	require.NoError(t, err)

	prom, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	require.Contains(t, string(prom), `portal_gateway_refresh_total{result="success"} 1`)
	require.Contains(t, string(prom), "portal_gateway_requests_total")

	spans, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(spans), `"Name":"gateway.send"`), "original and replay")
}

func (e *env) app(t *testing.T, role model.Role) *app {
	t.Helper()
	cfg := config.Default()
	cfg.APIURL, cfg.Origin, cfg.StateDir = e.api.URL, e.api.URL, e.stateDir
	cfg.LogLevel = "error"
	cfg.Role = role
	a, err := newApp(context.Background(), cfg, io.Discard, io.Discard)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func Test_serveViews(t *testing.T) {
	e := newEnv(t)
	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	get := func(a *app, path string) *http.Response {
		srv := httptest.NewServer(viewsHandler(a, time.Second))
		t.Cleanup(srv.Close)
		resp, err := noFollow.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := get(e.app(t, model.RoleTenantUser), "/")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/painel/login", resp.Header.Get("Location"))

	_, _, err := e.run(t, "register", "-n", "Ana", "-u", "ana@example.com", "-p", "password1")
	require.NoError(t, err)

	resp = get(e.app(t, model.RoleTenantUser), "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "ana@example.com")

	resp = get(e.app(t, model.RoleSuperAdmin), "/")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/admin/login", resp.Header.Get("Location"))

	resp = get(e.app(t, model.RoleSuperAdmin), "/admin/login")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func Test_serveStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	err := execute(ctx, []string{"serve", "--listen", "127.0.0.1:0",
		"--api-url", e.api.URL, "--state-dir", e.stateDir, "--log-level", "error"}, &out, io.Discard)
	require.NoError(t, err)
	require.Contains(t, out.String(), "serving on http://127.0.0.1:")
}

func Test_loginWrongPassword(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.run(t, "register", "-u", "bo@example.com", "-p", "password1")
	require.NoError(t, err)
	_, _, err = e.run(t, "logout")
	require.NoError(t, err)

	_, _, err = e.run(t, "login", "-u", "bo@example.com", "-p", "wrong-password")
	require.Error(t, err)

	_, _, err = e.run(t, "whoami")
	require.Error(t, err)
}

func Test_fingerprintAndDemo(t *testing.T) {
	e := newEnv(t)

	out, _, err := e.run(t, "fingerprint", "--partial")
	require.NoError(t, err)
	require.Contains(t, out, `"stage": "partial"`)
	require.NotContains(t, out, `"stage": "complete"`)

	out, _, err = e.run(t, "fingerprint")
	require.NoError(t, err)
	require.Contains(t, out, `"stage": "complete"`)

	_, _, err = e.run(t, "demo", "ping")
	require.Error(t, err, "no api key configured")

	out, _, err = e.run(t, "demo", "ping", "--demo-api-key", "demo-key")
	require.NoError(t, err)
	require.Contains(t, out, `"path":"/ping"`)

	_, _, err = e.run(t, "demo", "ping", "--demo-api-key", "wrong")
	require.Error(t, err)
}

func Test_sealedStorage(t *testing.T) {
	e := newEnv(t)
	key := filepath.Join(t.TempDir(), "seal.key")

	_, _, err := e.run(t, "register", "-u", "cy@example.com", "-p", "password1", "--seal-key", key)
	require.NoError(t, err)

	f, err := storage.NewFile(e.stateDir, e.api.URL)
	require.NoError(t, err)
	raw, err := f.Get(context.Background(), session.StorageKey)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "cy@example.com")

	out, _, err := e.run(t, "whoami", "--seal-key", key)
	require.NoError(t, err)
	require.Contains(t, out, "cy@example.com")

	// without the key the sealed entry cannot be read and the session is lost
	_, _, err = e.run(t, "whoami")
	require.Error(t, err)
}

func Test_memoryStorageDoesNotPersist(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.run(t, "register", "-u", "di@example.com", "-p", "password1", "--storage", "memory")
	require.NoError(t, err)
	_, _, err = e.run(t, "whoami", "--storage", "memory")
	require.Error(t, err)
}

func Test_healthOverGRPC(t *testing.T) {
	e := newEnv(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs, _ := grpcserver.New(e.auth, zap.NewNop())
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	addr := lis.Addr().String()

	_, _, err = e.run(t, "health", "--grpc-addr", addr, "--plaintext")
	require.Error(t, err, "health is behind bearer auth")

	_, _, err = e.run(t, "register", "-u", "ed@example.com", "-p", "password1")
	require.NoError(t, err)
	out, _, err := e.run(t, "health", "--grpc-addr", addr, "--plaintext")
	require.NoError(t, err)
	require.Contains(t, out, "SERVING")
}

func Test_parseBase(t *testing.T) {
	_, err := parseBase("/relative")
	require.Error(t, err)
	u, err := parseBase("http://h:1/x")
	require.NoError(t, err)
	require.Equal(t, "h:1", u.Host)
}
