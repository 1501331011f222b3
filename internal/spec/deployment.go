// Package spec holds the JSON payloads exchanged between the control plane and
// the worker command server.
package spec

// HeaderWorkerKey carries the worker's shared secret on every command.
const HeaderWorkerKey = "X-Worker-Key"

// Worker command paths.
const (
	PathDeploy            = "/api/deploy"
	PathDeployPage        = "/api/deploy-page"
	PathRemovePage        = "/api/remove-page"
	PathRemoveWebsite     = "/api/remove-website"
	PathDeactivateWebsite = "/api/deactivate-website"
	PathGenerateSSL       = "/api/generate-ssl"
	PathRevokeSSL         = "/api/revoke-ssl"
	PathUpdateProxyConfig = "/api/update-proxy-config"
	PathHealth            = "/api/health"
)

// Machine-readable failure codes returned by the worker.
const (
	CodeInvalidRequest        = "invalid_request"
	CodeUnauthorized          = "unauthorized"
	CodeTooManyAttempts       = "too_many_attempts"
	CodePathOutsideRoot       = "path_outside_root"
	CodeFilesystemError       = "filesystem_error"
	CodeInvalidDomain         = "invalid_domain"
	CodeInvalidEmail          = "invalid_email"
	CodeCertificateFailed     = "certificate_failed"
	CodeProxyValidationFailed = "proxy_validation_failed"
	CodeProxyReloadFailed     = "proxy_reload_failed"
)

// DeploySiteRequest creates a site's document root skeleton and proxy entry.
type DeploySiteRequest struct {
	SiteID       uint   `json:"siteId"`
	Domain       string `json:"domain"`
	Kind         string `json:"kind"`
	DocumentRoot string `json:"documentRoot"`
	ProxyConfig  string `json:"proxyConfig,omitempty"`
}

// DeployPageRequest writes one HTML file under the document root. OldPath
// and OldFilename name a previous location to remove after a move.
type DeployPageRequest struct {
	SiteID       uint   `json:"siteId"`
	PagePath     string `json:"pagePath"`
	Filename     string `json:"filename"`
	Content      string `json:"content"`
	DocumentRoot string `json:"documentRoot"`
	OldPath      string `json:"oldPath,omitempty"`
	OldFilename  string `json:"oldFilename,omitempty"`
}

// RemovePageRequest deletes one HTML file.
type RemovePageRequest struct {
	SiteID       uint   `json:"siteId"`
	PagePath     string `json:"pagePath"`
	Filename     string `json:"filename"`
	DocumentRoot string `json:"documentRoot"`
}

// RemoveSiteRequest deletes a site's document root and proxy entry.
type RemoveSiteRequest struct {
	SiteID       uint   `json:"siteId"`
	Domain       string `json:"domain"`
	DocumentRoot string `json:"documentRoot"`
}

// DeactivateSiteRequest takes a site offline without deleting its files.
type DeactivateSiteRequest struct {
	SiteID       uint   `json:"siteId"`
	Domain       string `json:"domain"`
	DocumentRoot string `json:"documentRoot"`
}

// GenerateSSLRequest asks the worker to obtain a certificate.
type GenerateSSLRequest struct {
	Domain       string `json:"domain"`
	Email        string `json:"email"`
	DocumentRoot string `json:"documentRoot"`
}

// RevokeSSLRequest asks the worker to revoke and delete a certificate.
type RevokeSSLRequest struct {
	Domain string `json:"domain"`
}

// ProxyConfigRequest replaces the reverse-proxy fragment for a domain.
type ProxyConfigRequest struct {
	Domain      string `json:"domain"`
	ProxyConfig string `json:"proxyConfig"`
}

// Response is the success body of every command.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse is the failure body of every command.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse reports worker liveness.
type HealthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	SitesRoot string `json:"sitesRoot,omitempty"`
	Timestamp string `json:"timestamp"`
}
