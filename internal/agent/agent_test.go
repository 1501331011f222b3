package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/logger"
	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef"

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	// fail maps a program name to the error its next runs return.
	fail map[string]error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	if err := f.fail[name]; err != nil {
		return []byte(name + " said no"), err
	}
	return nil, nil
}

func (f *fakeRunner) ran(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type agentFixture struct {
	root     string
	proxyDir string
	runner   *fakeRunner
	srv      *httptest.Server
}

func newAgent(t *testing.T, limiter AuthLimiter) *agentFixture {
	t.Helper()
	f := &agentFixture{
		root:     t.TempDir(),
		proxyDir: t.TempDir(),
		runner:   &fakeRunner{fail: map[string]error{}},
	}
	log := logger.Discard()
	proxy := NewProxyManager(f.proxyDir, "nginx -t", f.runner,
		CommandReloader{Runner: f.runner, Command: "reload-proxy"}, log)
	s := New(Options{
		WorkerKey: testKey,
		SitesRoot: f.root,
		Proxy:     proxy,
		Certbot:   Certbot{Bin: "certbot", Runner: f.runner},
		Limiter:   limiter,
		Registry:  prometheus.NewRegistry(),
		Logger:    log,
	})
	f.srv = httptest.NewServer(s.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *agentFixture) call(t *testing.T, key, path string, body any) (int, map[string]string) {
	t.Helper()
	method := http.MethodPost
	var payload []byte
	if body == nil {
		method = http.MethodGet
	} else {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(spec.HeaderWorkerKey, key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *agentFixture) docRoot() string {
	return filepath.Join(f.root, "hotel.test")
}

func TestRejectsWrongKey(t *testing.T) {
	f := newAgent(t, nil)
	status, body := f.call(t, "wrong-key-000000", spec.PathHealth, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, spec.CodeUnauthorized, body["error"])

	status, body = f.call(t, testKey, spec.PathHealth, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, f.root, body["sitesRoot"])
}

func TestThrottlesRepeatedAuthFailures(t *testing.T) {
	limiter := NewMemoryLimiter(3, time.Minute)
	defer limiter.Close()
	f := newAgent(t, limiter)

	for i := 0; i < 3; i++ {
		status, _ := f.call(t, "nope", spec.PathHealth, nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	status, body := f.call(t, testKey, spec.PathHealth, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, spec.CodeTooManyAttempts, body["error"])
}

func TestMemoryLimiterWindowExpires(t *testing.T) {
	l := NewMemoryLimiter(1, 20*time.Millisecond)
	defer l.Close()
	ctx := context.Background()
	assert.False(t, l.Blocked(ctx, "ip:a"))
	l.Failed(ctx, "ip:a")
	assert.True(t, l.Blocked(ctx, "ip:a"))
	assert.False(t, l.Blocked(ctx, "ip:b"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, l.Blocked(ctx, "ip:a"))
}

func TestRedisLimiterRequiresServer(t *testing.T) {
	_, err := NewRedisLimiter("127.0.0.1:1", "", 0, 3, time.Minute, logger.Discard())
	assert.Error(t, err)
}

func TestDeploySkeletonAndProxy(t *testing.T) {
	f := newAgent(t, nil)
	status, body := f.call(t, testKey, spec.PathDeploy, spec.DeploySiteRequest{
		SiteID: 1, Domain: "hotel.test", Kind: "templated", DocumentRoot: f.docRoot(), ProxyConfig: "server {}",
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "success", body["status"])

	index, err := os.ReadFile(filepath.Join(f.docRoot(), "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(index), "being prepared")
	cfg, err := os.ReadFile(filepath.Join(f.proxyDir, "hotel.test.conf"))
	require.NoError(t, err)
	assert.Equal(t, "server {}", string(cfg))
	assert.Equal(t, 1, f.runner.ran("nginx -t"))
	assert.Equal(t, 1, f.runner.ran("reload-proxy"))

	// a second deploy keeps the real index
	require.NoError(t, os.WriteFile(filepath.Join(f.docRoot(), "index.html"), []byte("live"), 0o644))
	status, _ = f.call(t, testKey, spec.PathDeploy, spec.DeploySiteRequest{Domain: "hotel.test", DocumentRoot: f.docRoot()})
	require.Equal(t, http.StatusOK, status)
	index, _ = os.ReadFile(filepath.Join(f.docRoot(), "index.html"))
	assert.Equal(t, "live", string(index))
}

func TestDeployPageIsIdempotentAndMoves(t *testing.T) {
	f := newAgent(t, nil)
	req := spec.DeployPageRequest{SiteID: 1, PagePath: "/sapa-lodge", Filename: "index.html", Content: "<h1>Sapa</h1>", DocumentRoot: f.docRoot()}
	for i := 0; i < 2; i++ {
		status, body := f.call(t, testKey, spec.PathDeployPage, req)
		require.Equal(t, http.StatusOK, status, body)
	}
	page := filepath.Join(f.docRoot(), "sapa-lodge", "index.html")
	got, err := os.ReadFile(page)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Sapa</h1>", string(got))

	req.PagePath, req.OldPath, req.OldFilename = "/stays/sapa-lodge", "/sapa-lodge", "index.html"
	status, body := f.call(t, testKey, spec.PathDeployPage, req)
	require.Equal(t, http.StatusOK, status, body)
	_, err = os.Stat(page)
	assert.True(t, os.IsNotExist(err), "old file removed")
	_, err = os.Stat(filepath.Join(f.docRoot(), "sapa-lodge"))
	assert.True(t, os.IsNotExist(err), "empty directory removed")
	_, err = os.Stat(filepath.Join(f.docRoot(), "stays", "sapa-lodge", "index.html"))
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(f.docRoot(), "stays", "sapa-lodge"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestRemovePageMissingIsSuccess(t *testing.T) {
	f := newAgent(t, nil)
	status, body := f.call(t, testKey, spec.PathRemovePage, spec.RemovePageRequest{PagePath: "/gone", Filename: "index.html", DocumentRoot: f.docRoot()})
	assert.Equal(t, http.StatusOK, status, body)
}

func TestPathsAreConfinedToSitesRoot(t *testing.T) {
	f := newAgent(t, nil)
	cases := []any{
		spec.DeployPageRequest{PagePath: "/../../escape", Filename: "index.html", Content: "x", DocumentRoot: f.docRoot()},
		spec.DeployPageRequest{PagePath: "/a", Filename: "index.html", Content: "x", DocumentRoot: "/etc"},
		spec.DeployPageRequest{PagePath: "/a", Filename: "index.html", Content: "x", DocumentRoot: f.root},
		spec.DeployPageRequest{PagePath: "/a", Filename: "index.html", Content: "x", DocumentRoot: f.root + "/../outside"},
	}
	for _, c := range cases {
		status, body := f.call(t, testKey, spec.PathDeployPage, c)
		assert.Equal(t, http.StatusForbidden, status, c)
		assert.Equal(t, spec.CodePathOutsideRoot, body["error"])
	}

	status, body := f.call(t, testKey, spec.PathDeployPage, spec.DeployPageRequest{PagePath: "/a", Filename: "../x", DocumentRoot: f.docRoot()})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, spec.CodeInvalidRequest, body["error"])

	status, body = f.call(t, testKey, spec.PathRemoveWebsite, spec.RemoveSiteRequest{Domain: "hotel.test", DocumentRoot: "/"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, spec.CodePathOutsideRoot, body["error"])
}

func TestRemoveWebsite(t *testing.T) {
	f := newAgent(t, nil)
	status, _ := f.call(t, testKey, spec.PathDeploy, spec.DeploySiteRequest{Domain: "hotel.test", DocumentRoot: f.docRoot(), ProxyConfig: "server {}"})
	require.Equal(t, http.StatusOK, status)

	status, body := f.call(t, testKey, spec.PathRemoveWebsite, spec.RemoveSiteRequest{Domain: "hotel.test", DocumentRoot: f.docRoot()})
	require.Equal(t, http.StatusOK, status, body)
	_, err := os.Stat(f.docRoot())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(f.proxyDir, "hotel.test.conf"))
	assert.True(t, os.IsNotExist(err))

	status, _ = f.call(t, testKey, spec.PathRemoveWebsite, spec.RemoveSiteRequest{Domain: "hotel.test", DocumentRoot: f.docRoot()})
	assert.Equal(t, http.StatusOK, status, "removing twice is fine")
}

func TestDeactivateKeepsFiles(t *testing.T) {
	f := newAgent(t, nil)
	status, _ := f.call(t, testKey, spec.PathDeploy, spec.DeploySiteRequest{Domain: "hotel.test", DocumentRoot: f.docRoot(), ProxyConfig: "server {}"})
	require.Equal(t, http.StatusOK, status)

	status, body := f.call(t, testKey, spec.PathDeactivateWebsite, spec.DeactivateSiteRequest{Domain: "hotel.test", DocumentRoot: f.docRoot()})
	require.Equal(t, http.StatusOK, status, body)
	_, err := os.Stat(filepath.Join(f.docRoot(), "index.html"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.proxyDir, "hotel.test.conf"))
	assert.True(t, os.IsNotExist(err))
}

func TestProxyValidationFailureRestoresPrevious(t *testing.T) {
	f := newAgent(t, nil)
	status, _ := f.call(t, testKey, spec.PathUpdateProxyConfig, spec.ProxyConfigRequest{Domain: "hotel.test", ProxyConfig: "good"})
	require.Equal(t, http.StatusOK, status)

	f.runner.fail["nginx"] = errors.New("exit status 1")
	status, body := f.call(t, testKey, spec.PathUpdateProxyConfig, spec.ProxyConfigRequest{Domain: "hotel.test", ProxyConfig: "bad"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, spec.CodeProxyValidationFailed, body["error"])
	assert.Contains(t, body["message"], "nginx said no")

	cfg, err := os.ReadFile(filepath.Join(f.proxyDir, "hotel.test.conf"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(cfg))
	assert.Equal(t, 1, f.runner.ran("reload-proxy"), "no reload after a rejected config")

	status, _ = f.call(t, testKey, spec.PathUpdateProxyConfig, spec.ProxyConfigRequest{Domain: "new.test", ProxyConfig: "bad"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	_, err = os.Stat(filepath.Join(f.proxyDir, "new.test.conf"))
	assert.True(t, os.IsNotExist(err))
}

func TestProxyReloadFailureKeepsConfig(t *testing.T) {
	f := newAgent(t, nil)
	f.runner.fail["reload-proxy"] = errors.New("exit status 1")
	status, body := f.call(t, testKey, spec.PathUpdateProxyConfig, spec.ProxyConfigRequest{Domain: "hotel.test", ProxyConfig: "new"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, spec.CodeProxyReloadFailed, body["error"])
	cfg, err := os.ReadFile(filepath.Join(f.proxyDir, "hotel.test.conf"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(cfg))
}

func TestCertificates(t *testing.T) {
	f := newAgent(t, nil)
	status, body := f.call(t, testKey, spec.PathGenerateSSL, spec.GenerateSSLRequest{Domain: "hotel.test", Email: "ops@hotel.test", DocumentRoot: f.docRoot()})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, 1, f.runner.ran("certbot certonly --webroot -w "+f.docRoot()+" -d hotel.test --email ops@hotel.test"))

	status, body = f.call(t, testKey, spec.PathGenerateSSL, spec.GenerateSSLRequest{Domain: "hotel.test", Email: "not an email", DocumentRoot: f.docRoot()})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, spec.CodeInvalidEmail, body["error"])

	status, body = f.call(t, testKey, spec.PathGenerateSSL, spec.GenerateSSLRequest{Domain: "hotel test; rm", Email: "ops@hotel.test", DocumentRoot: f.docRoot()})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, spec.CodeInvalidDomain, body["error"])

	f.runner.fail["certbot"] = errors.New("exit status 1")
	status, body = f.call(t, testKey, spec.PathGenerateSSL, spec.GenerateSSLRequest{Domain: "hotel.test", Email: "ops@hotel.test", DocumentRoot: f.docRoot()})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, spec.CodeCertificateFailed, body["error"])

	delete(f.runner.fail, "certbot")
	status, _ = f.call(t, testKey, spec.PathRevokeSSL, spec.RevokeSSLRequest{Domain: "hotel.test"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, f.runner.ran("certbot revoke --cert-name hotel.test"))
}

func TestMalformedBody(t *testing.T) {
	f := newAgent(t, nil)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+spec.PathDeployPage, strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set(spec.HeaderWorkerKey, testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAgent(t, nil)
	f.call(t, testKey, spec.PathHealth, nil)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `sitefleet_agent_http_requests_total{method="GET",route="health",status="200"} 1`)
}
