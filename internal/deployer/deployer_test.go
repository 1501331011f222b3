package deployer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atvirokodosprendimai/sitefleet/internal/logger"
	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
	"github.com/atvirokodosprendimai/sitefleet/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRoutesOperations(t *testing.T) {
	var paths []string
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		_ = json.NewEncoder(w).Encode(spec.Response{Status: "success", Message: r.URL.Path})
	}))
	defer srv.Close()

	c := NewClient(transport.New(transport.Options{}, logger.Discard()))
	target := transport.Target{Address: srv.URL, Key: "k"}
	ctx := context.Background()

	resp, err := c.DeployPage(ctx, target, spec.DeployPageRequest{SiteID: 3, PagePath: "/a", Filename: "index.html", OldPath: "/b"})
	require.NoError(t, err)
	assert.Equal(t, spec.PathDeployPage, resp.Message)
	_, err = c.DeploySite(ctx, target, spec.DeploySiteRequest{Domain: "hotel.test"})
	require.NoError(t, err)
	_, err = c.RemovePage(ctx, target, spec.RemovePageRequest{PagePath: "/a"})
	require.NoError(t, err)
	_, err = c.RemoveSite(ctx, target, spec.RemoveSiteRequest{Domain: "hotel.test"})
	require.NoError(t, err)
	_, err = c.DeactivateSite(ctx, target, spec.DeactivateSiteRequest{Domain: "hotel.test"})
	require.NoError(t, err)
	_, err = c.GenerateSSL(ctx, target, spec.GenerateSSLRequest{Domain: "hotel.test", Email: "ops@hotel.test"})
	require.NoError(t, err)
	_, err = c.RevokeSSL(ctx, target, spec.RevokeSSLRequest{Domain: "hotel.test"})
	require.NoError(t, err)
	_, err = c.UpdateProxyConfig(ctx, target, spec.ProxyConfigRequest{Domain: "hotel.test", ProxyConfig: "x"})
	require.NoError(t, err)
	_, err = c.Health(ctx, target)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /api/deploy-page", "POST /api/deploy", "POST /api/remove-page", "POST /api/remove-website",
		"POST /api/deactivate-website", "POST /api/generate-ssl", "POST /api/revoke-ssl",
		"POST /api/update-proxy-config", "GET /api/health",
	}, paths)
	assert.Equal(t, "/a", bodies[0]["pagePath"])
	assert.Equal(t, "/b", bodies[0]["oldPath"])
	assert.Equal(t, float64(3), bodies[0]["siteId"])
}

func TestDocumentRoot(t *testing.T) {
	assert.Equal(t, "/var/www/sites/hotel.test", DocumentRoot("/var/www/sites/", "hotel.test"))
}

func TestRenderProxyConfig(t *testing.T) {
	out, err := RenderProxyConfig(ProxySite{Domain: "Hotel.Test", DocumentRoot: "/var/www/sites/hotel.test", Aliases: []string{"www.hotel.test"}})
	require.NoError(t, err)
	assert.Contains(t, out, "server_name hotel.test www.hotel.test;")
	assert.Contains(t, out, "root /var/www/sites/hotel.test;")
	assert.NotContains(t, out, "listen 443")

	out, err = RenderProxyConfig(ProxySite{Domain: "hotel.test", DocumentRoot: "/srv/hotel.test", TLS: true})
	require.NoError(t, err)
	assert.Contains(t, out, "listen 443 ssl;")
	assert.Contains(t, out, "/etc/letsencrypt/live/hotel.test/fullchain.pem")
	assert.Contains(t, out, "return 301 https://$host$request_uri;")

	_, err = RenderProxyConfig(ProxySite{Domain: "hotel.test; evil", DocumentRoot: "/srv"})
	assert.Error(t, err)
	_, err = RenderProxyConfig(ProxySite{Domain: "hotel.test", DocumentRoot: "/srv/x; include /etc/passwd"})
	assert.Error(t, err)
}
