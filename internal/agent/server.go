// Package agent is the worker command server. It receives commands from the
// control plane over HTTP and applies them to the local filesystem, the
// reverse proxy and the ACME client.
package agent

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 32 << 20

// Options configures a Server.
type Options struct {
	WorkerKey string
	SitesRoot string
	Proxy     *ProxyManager
	Certbot   Certbot
	Limiter   AuthLimiter
	// Registry receives the agent metrics and backs /metrics. Nil means
	// the default Prometheus registry.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Server handles worker commands.
type Server struct {
	key      []byte
	files    *Files
	proxy    *ProxyManager
	certbot  Certbot
	limiter  AuthLimiter
	metrics  *metrics
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

// New returns a Server. A nil Limiter disables throttling.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if opts.Registry != nil {
		reg, gatherer = opts.Registry, opts.Registry
	}
	return &Server{
		key:      []byte(opts.WorkerKey),
		files:    NewFiles(opts.SitesRoot),
		proxy:    opts.Proxy,
		certbot:  opts.Certbot,
		limiter:  opts.Limiter,
		metrics:  newMetrics(reg),
		gatherer: gatherer,
		log:      log.With("component", "agent"),
	}
}

// Routes returns the HTTP handler of the command server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(s.requireKey)
		r.Get(spec.PathHealth, s.instrument("health", s.handleHealth))
		r.Post(spec.PathDeploy, s.instrument("deploy", s.handleDeploy))
		r.Post(spec.PathDeployPage, s.instrument("deploy_page", s.handleDeployPage))
		r.Post(spec.PathRemovePage, s.instrument("remove_page", s.handleRemovePage))
		r.Post(spec.PathRemoveWebsite, s.instrument("remove_website", s.handleRemoveWebsite))
		r.Post(spec.PathDeactivateWebsite, s.instrument("deactivate_website", s.handleDeactivateWebsite))
		r.Post(spec.PathGenerateSSL, s.instrument("generate_ssl", s.handleGenerateSSL))
		r.Post(spec.PathRevokeSSL, s.instrument("revoke_ssl", s.handleRevokeSSL))
		r.Post(spec.PathUpdateProxyConfig, s.instrument("update_proxy_config", s.handleUpdateProxyConfig))
	})
	return r
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// requireKey checks X-Worker-Key in constant time. Clients with too many
// recent failures are refused before the comparison.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		if s.limiter != nil && s.limiter.Blocked(r.Context(), client) {
			s.metrics.authFailures.WithLabelValues("throttled").Inc()
			writeJSON(w, http.StatusTooManyRequests, spec.ErrorResponse{
				Error:   spec.CodeTooManyAttempts,
				Message: "too many failed authentication attempts",
			})
			return
		}
		got := []byte(strings.TrimSpace(r.Header.Get(spec.HeaderWorkerKey)))
		if len(s.key) == 0 || len(got) != len(s.key) || subtle.ConstantTimeCompare(got, s.key) != 1 {
			s.log.Warn("worker key mismatch", "path", r.URL.Path, "client", client)
			s.metrics.authFailures.WithLabelValues("rejected").Inc()
			if s.limiter != nil {
				s.limiter.Failed(r.Context(), client)
			}
			writeJSON(w, http.StatusUnauthorized, spec.ErrorResponse{
				Error:   spec.CodeUnauthorized,
				Message: "invalid worker key",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("command failed", "path", r.URL.Path, "error", err)
	writeError(w, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, spec.HealthResponse{
		Status:    "healthy",
		Message:   "worker is running",
		SitesRoot: s.files.root,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req spec.DeploySiteRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	domain, err := validDomain(req.Domain)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	root, err := s.files.DocumentRoot(req.DocumentRoot)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.files.EnsureSkeleton(root); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ProxyConfig != "" && s.proxy != nil {
		if err := s.proxy.Apply(r.Context(), domain, req.ProxyConfig); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.log.Info("site deployed", "domain", domain, "site_id", req.SiteID, "root", root)
	writeSuccess(w, fmt.Sprintf("site %s deployed", domain))
}

func (s *Server) handleDeployPage(w http.ResponseWriter, r *http.Request) {
	var req spec.DeployPageRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	root, err := s.files.DocumentRoot(req.DocumentRoot)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	target, err := s.files.WritePage(root, req.PagePath, req.Filename, req.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.OldPath != "" {
		old, err := s.files.pageFile(root, req.OldPath, req.OldFilename)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if old != target {
			if _, err := s.files.RemovePage(root, req.OldPath, req.OldFilename); err != nil {
				s.fail(w, r, err)
				return
			}
		}
	}
	s.log.Info("page written", "site_id", req.SiteID, "file", target, "bytes", len(req.Content))
	writeSuccess(w, fmt.Sprintf("page %s written", req.PagePath))
}

func (s *Server) handleRemovePage(w http.ResponseWriter, r *http.Request) {
	var req spec.RemovePageRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	root, err := s.files.DocumentRoot(req.DocumentRoot)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	target, err := s.files.RemovePage(root, req.PagePath, req.Filename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("page removed", "site_id", req.SiteID, "file", target)
	writeSuccess(w, fmt.Sprintf("page %s removed", req.PagePath))
}

func (s *Server) handleRemoveWebsite(w http.ResponseWriter, r *http.Request) {
	var req spec.RemoveSiteRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	domain, err := validDomain(req.Domain)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	root, err := s.files.DocumentRoot(req.DocumentRoot)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.proxy != nil {
		if err := s.proxy.Remove(r.Context(), domain); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if err := s.files.RemoveTree(root); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("site removed", "domain", domain, "site_id", req.SiteID)
	writeSuccess(w, fmt.Sprintf("site %s removed", domain))
}

func (s *Server) handleDeactivateWebsite(w http.ResponseWriter, r *http.Request) {
	var req spec.DeactivateSiteRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	domain, err := validDomain(req.Domain)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.proxy != nil {
		if err := s.proxy.Remove(r.Context(), domain); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.log.Info("site deactivated", "domain", domain, "site_id", req.SiteID)
	writeSuccess(w, fmt.Sprintf("site %s deactivated", domain))
}

func (s *Server) handleGenerateSSL(w http.ResponseWriter, r *http.Request) {
	var req spec.GenerateSSLRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	domain, err := validDomain(req.Domain)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	email, err := validEmail(req.Email)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	root, err := s.files.DocumentRoot(req.DocumentRoot)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.certbot.Runner == nil {
		s.fail(w, r, failure(http.StatusInternalServerError, spec.CodeCertificateFailed, errors.New("certificate client not configured")))
		return
	}
	if err := s.certbot.Issue(r.Context(), domain, email, root); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("certificate issued", "domain", domain)
	writeSuccess(w, fmt.Sprintf("certificate for %s issued", domain))
}

func (s *Server) handleRevokeSSL(w http.ResponseWriter, r *http.Request) {
	var req spec.RevokeSSLRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	domain, err := validDomain(req.Domain)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.certbot.Runner == nil {
		s.fail(w, r, failure(http.StatusInternalServerError, spec.CodeCertificateFailed, errors.New("certificate client not configured")))
		return
	}
	if err := s.certbot.Revoke(r.Context(), domain); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("certificate revoked", "domain", domain)
	writeSuccess(w, fmt.Sprintf("certificate for %s revoked", domain))
}

func (s *Server) handleUpdateProxyConfig(w http.ResponseWriter, r *http.Request) {
	var req spec.ProxyConfigRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	domain, err := validDomain(req.Domain)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.ProxyConfig) == "" {
		s.fail(w, r, badRequest(errors.New("proxyConfig required")))
		return
	}
	if s.proxy == nil {
		s.fail(w, r, failure(http.StatusInternalServerError, spec.CodeProxyReloadFailed, errors.New("proxy management disabled")))
		return
	}
	if err := s.proxy.Apply(r.Context(), domain, req.ProxyConfig); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("proxy config updated", "domain", domain)
	writeSuccess(w, fmt.Sprintf("proxy config for %s updated", domain))
}
