// Package deployer issues one worker operation at a time on top of the
// transport.
package deployer

import (
	"context"
	"path"

	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
	"github.com/atvirokodosprendimai/sitefleet/internal/transport"
)

// Sender is the transport used by the Client.
type Sender interface {
	Send(ctx context.Context, target transport.Target, op transport.Operation, payload, out any) error
}

// Client wraps every worker command in a typed method.
type Client struct {
	sender Sender
}

// NewClient returns a Client sending through s.
func NewClient(s Sender) *Client {
	return &Client{sender: s}
}

// DocumentRoot is the directory a site's files live in on its worker.
func DocumentRoot(base, domain string) string {
	return path.Join(base, domain)
}

func (c *Client) call(ctx context.Context, target transport.Target, op transport.Operation, payload any) (spec.Response, error) {
	var resp spec.Response
	err := c.sender.Send(ctx, target, op, payload, &resp)
	return resp, err
}

// DeploySite pushes the site skeleton and its proxy configuration.
func (c *Client) DeploySite(ctx context.Context, target transport.Target, req spec.DeploySiteRequest) (spec.Response, error) {
	return c.call(ctx, target, transport.OpDeploySite, req)
}

// DeployPage writes one rendered page.
func (c *Client) DeployPage(ctx context.Context, target transport.Target, req spec.DeployPageRequest) (spec.Response, error) {
	return c.call(ctx, target, transport.OpDeployPage, req)
}

// RemovePage deletes one page file.
func (c *Client) RemovePage(ctx context.Context, target transport.Target, req spec.RemovePageRequest) (spec.Response, error) {
	return c.call(ctx, target, transport.OpRemovePage, req)
}

// RemoveSite deletes the site's document root.
func (c *Client) RemoveSite(ctx context.Context, target transport.Target, req spec.RemoveSiteRequest) (spec.Response, error) {
	return c.call(ctx, target, transport.OpRemoveWebsite, req)
}

// DeactivateSite takes the site offline, keeping its files.
func (c *Client) DeactivateSite(ctx context.Context, target transport.Target, req spec.DeactivateSiteRequest) (spec.Response, error) {
	return c.call(ctx, target, transport.OpDeactivateWebsite, req)
}

// GenerateSSL asks the worker to obtain a certificate.
func (c *Client) GenerateSSL(ctx context.Context, target transport.Target, req spec.GenerateSSLRequest) (spec.Response, error) {
	return c.call(ctx, target, transport.OpGenerateSSL, req)
}

// RevokeSSL asks the worker to revoke a certificate.
func (c *Client) RevokeSSL(ctx context.Context, target transport.Target, req spec.RevokeSSLRequest) (spec.Response, error) {
	return c.call(ctx, target, transport.OpRevokeSSL, req)
}

// UpdateProxyConfig replaces the reverse-proxy fragment of a domain.
func (c *Client) UpdateProxyConfig(ctx context.Context, target transport.Target, req spec.ProxyConfigRequest) (spec.Response, error) {
	return c.call(ctx, target, transport.OpUpdateProxyConfig, req)
}

// Health probes the worker.
func (c *Client) Health(ctx context.Context, target transport.Target) (spec.HealthResponse, error) {
	var resp spec.HealthResponse
	err := c.sender.Send(ctx, target, transport.OpHealth, nil, &resp)
	return resp, err
}
