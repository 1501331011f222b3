package site

import (
	"context"
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/deployer"
	"github.com/atvirokodosprendimai/sitefleet/internal/dispatch"
	"github.com/atvirokodosprendimai/sitefleet/internal/hostname"
	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
)

func documentRoot(w *db.WorkerNode, site *db.Site) string {
	return deployer.DocumentRoot(w.DocumentRootBase, site.Domain)
}

func proxyConfig(site *db.Site, root string) (string, error) {
	ps := deployer.ProxySite{Domain: site.Domain, DocumentRoot: root, TLS: site.TLSEnabled}
	if !hostname.IsSubdomain(site.Domain) {
		ps.Aliases = []string{"www." + site.Domain}
	}
	return deployer.RenderProxyConfig(ps)
}

// SiteInput carries the fields of a new site.
type SiteInput struct {
	Domain          string
	Kind            string
	TemplatePackage string
	WorkerNodeID    uint
	Settings        db.SiteSettings
}

// CreateSite registers a draft site on a worker.
func (s *Service) CreateSite(ctx context.Context, in SiteInput) (*db.Site, error) {
	domain, err := hostname.Normalize(in.Domain)
	if err != nil {
		return nil, invalid(err)
	}
	switch in.Kind {
	case "", db.KindTemplated, db.KindStatic, db.KindCMS:
	default:
		return nil, invalid(fmt.Errorf("unknown site kind %q", in.Kind))
	}
	if _, err := s.workers.Get(ctx, in.WorkerNodeID); err != nil {
		return nil, fmt.Errorf("worker %d: %w", in.WorkerNodeID, err)
	}
	site := &db.Site{
		Domain:          domain,
		Kind:            in.Kind,
		TemplatePackage: in.TemplatePackage,
		WorkerNodeID:    in.WorkerNodeID,
		Settings:        in.Settings,
	}
	if err := s.sites.Create(ctx, site); err != nil {
		return nil, fmt.Errorf("create site: %w", err)
	}
	return site, nil
}

// DeploySite pushes the whole site: skeleton, every page and, for root
// sites, the homepage and every category. The content version captured at
// the start becomes the deployed version on success.
func (s *Service) DeploySite(ctx context.Context, id uint) error {
	site, err := s.sites.BeginDeploy(ctx, id)
	if err != nil {
		return err
	}
	version := site.ContentVersion
	log := s.log.With("site", site.Domain, "version", version)
	log.Info("deploy started")

	if err := s.deployAll(ctx, site); err != nil {
		log.Error("deploy failed", "error", err)
		if serr := s.sites.SetStatus(context.WithoutCancel(ctx), site.ID, db.SiteError); serr != nil {
			log.Error("mark site failed", "error", serr)
		}
		return err
	}
	if err := s.sites.FinishDeploy(ctx, site.ID, version); err != nil {
		return fmt.Errorf("finish deploy: %w", err)
	}
	// batches of later versions may have finished while the deploy ran
	if _, err := s.sites.AdvanceDeployedVersion(ctx, site.ID); err != nil {
		log.Warn("advance deployed version", "error", err)
	}
	log.Info("deploy finished")
	return nil
}

func (s *Service) deployAll(ctx context.Context, site *db.Site) error {
	at, err := s.place(ctx, site)
	if err != nil {
		return err
	}
	var rc *renderContext
	if site.Templated() {
		if rc, err = s.renderContext(ctx, site); err != nil {
			return err
		}
	}
	cfg, err := proxyConfig(site, at.root)
	if err != nil {
		return fmt.Errorf("proxy config: %w", err)
	}
	if _, err := s.deployer.DeploySite(ctx, at.target, spec.DeploySiteRequest{
		SiteID:       site.ID,
		Domain:       site.Domain,
		Kind:         site.Kind,
		DocumentRoot: at.root,
		ProxyConfig:  cfg,
	}); err != nil {
		return fmt.Errorf("deploy skeleton: %w", err)
	}
	if err := s.dns.CreateRecords(ctx, *site, *at.worker); err != nil {
		return fmt.Errorf("dns: %w", err)
	}

	pages, err := s.pages.ListBySite(ctx, site.ID)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	// A templated root site's "/" page is the base of the generated homepage.
	root := rc != nil && !hostname.IsSubdomain(site.Domain)
	for i := range pages {
		if root && pages[i].Path == "/" {
			continue
		}
		if err := s.pushPage(ctx, site, at, &pages[i], "", ""); err != nil {
			return fmt.Errorf("page %s: %w", pages[i].Path, err)
		}
	}
	if !root {
		return nil
	}

	if err := s.executeHomepage(ctx, site, at); err != nil {
		return fmt.Errorf("homepage: %w", err)
	}
	for _, f := range topDown(rc.tree, site.ID) {
		if err := s.executeCategory(ctx, site, at, f.ID); err != nil {
			return fmt.Errorf("category %s: %w", f.Slug, err)
		}
	}
	return nil
}

// topDown returns a site's folders parents first.
func topDown(tree map[uint]db.Folder, siteID uint) []db.Folder {
	var out []db.Folder
	var walk func(level []db.Folder)
	walk = func(level []db.Folder) {
		for _, f := range level {
			out = append(out, f)
			walk(children(tree, f.ID))
		}
	}
	walk(topLevel(tree, siteID))
	return out
}

// DeploySites deploys each site in turn. One failure does not stop the rest.
func (s *Service) DeploySites(ctx context.Context, ids []uint) []dispatch.Result[uint] {
	return dispatch.ForEach(ctx, ids, s.DeploySite)
}

// RemoveSite deletes the site from its worker, drops its DNS records and
// deletes its rows. A worker call that fails keeps the rows so the removal
// can be retried, even when the worker is only marked unhealthy. An inactive
// worker is skipped.
func (s *Service) RemoveSite(ctx context.Context, id uint) error {
	site, err := s.sites.Get(ctx, id)
	if err != nil {
		return err
	}
	at, err := s.locate(ctx, site)
	switch {
	case err == nil:
		if _, err := s.deployer.RemoveSite(ctx, at.target, spec.RemoveSiteRequest{
			SiteID:       site.ID,
			Domain:       site.Domain,
			DocumentRoot: at.root,
		}); err != nil {
			return fmt.Errorf("remove %s from worker: %w", site.Domain, err)
		}
	case errors.Is(err, ErrWorkerInactive), errors.Is(err, db.ErrNotFound):
		s.log.Warn("worker unavailable, removing site rows only", "site", site.Domain, "error", err)
	default:
		return err
	}

	if err := s.dns.DeleteRecords(ctx, *site); err != nil {
		s.log.Warn("dns cleanup failed", "site", site.Domain, "error", err)
	}
	if err := s.sites.Delete(ctx, site.ID); err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	s.log.Info("site removed", "site", site.Domain)
	return nil
}

// RemoveSites removes each site in turn. One failure does not stop the rest.
func (s *Service) RemoveSites(ctx context.Context, ids []uint) []dispatch.Result[uint] {
	return dispatch.ForEach(ctx, ids, s.RemoveSite)
}

// DeactivateSite suspends a site. The worker call is best effort; the
// status change always happens.
func (s *Service) DeactivateSite(ctx context.Context, id uint) error {
	site, err := s.sites.Get(ctx, id)
	if err != nil {
		return err
	}
	if at, err := s.locate(ctx, site); err != nil {
		s.log.Warn("deactivate: worker unavailable", "site", site.Domain, "error", err)
	} else if _, err := s.deployer.DeactivateSite(ctx, at.target, spec.DeactivateSiteRequest{
		SiteID:       site.ID,
		Domain:       site.Domain,
		DocumentRoot: at.root,
	}); err != nil {
		s.log.Warn("deactivate on worker failed", "site", site.Domain, "error", err)
	}
	return s.sites.SetStatus(ctx, site.ID, db.SiteSuspended)
}

// IssueCertificate obtains a certificate and switches the proxy to TLS.
func (s *Service) IssueCertificate(ctx context.Context, id uint) error {
	site, err := s.sites.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.certs.Issue(ctx, *site); err != nil {
		return fmt.Errorf("issue certificate for %s: %w", site.Domain, err)
	}
	if err := s.sites.SetTLS(ctx, site.ID, true); err != nil {
		return err
	}
	site.TLSEnabled = true
	return s.pushProxyConfig(ctx, site)
}

// RenewCertificate renews an installed certificate.
func (s *Service) RenewCertificate(ctx context.Context, id uint) error {
	site, err := s.sites.Get(ctx, id)
	if err != nil {
		return err
	}
	if !site.TLSEnabled {
		return invalid(fmt.Errorf("%s has no certificate", site.Domain))
	}
	return s.certs.Renew(ctx, *site)
}

// RevokeCertificate revokes the certificate and switches the proxy back to
// plain HTTP.
func (s *Service) RevokeCertificate(ctx context.Context, id uint) error {
	site, err := s.sites.Get(ctx, id)
	if err != nil {
		return err
	}
	at, err := s.place(ctx, site)
	if err != nil {
		return err
	}
	if _, err := s.deployer.RevokeSSL(ctx, at.target, spec.RevokeSSLRequest{Domain: site.Domain}); err != nil {
		return fmt.Errorf("revoke certificate for %s: %w", site.Domain, err)
	}
	if err := s.sites.SetTLS(ctx, site.ID, false); err != nil {
		return err
	}
	site.TLSEnabled = false
	return s.pushProxyConfig(ctx, site)
}

func (s *Service) pushProxyConfig(ctx context.Context, site *db.Site) error {
	at, err := s.place(ctx, site)
	if err != nil {
		return err
	}
	cfg, err := proxyConfig(site, at.root)
	if err != nil {
		return err
	}
	_, err = s.deployer.UpdateProxyConfig(ctx, at.target, spec.ProxyConfigRequest{Domain: site.Domain, ProxyConfig: cfg})
	return err
}

// DefaultDocumentRootBase is where workers keep site directories unless
// registered otherwise.
const DefaultDocumentRootBase = "/var/www/sites"

// WorkerInput carries the fields of a new worker node.
type WorkerInput struct {
	Name             string
	Address          string
	DocumentRootBase string
	CPUCores         int
	MemoryMB         int
	DiskGB           int
}

// RegisterWorker stores a worker node with a freshly generated key.
func (s *Service) RegisterWorker(ctx context.Context, in WorkerInput) (*db.WorkerNode, error) {
	if in.Address == "" {
		return nil, invalid(errors.New("worker address required"))
	}
	if in.DocumentRootBase == "" {
		in.DocumentRootBase = DefaultDocumentRootBase
	}
	w := &db.WorkerNode{
		Name:             in.Name,
		Address:          in.Address,
		DocumentRootBase: in.DocumentRootBase,
		CPUCores:         in.CPUCores,
		MemoryMB:         in.MemoryMB,
		DiskGB:           in.DiskGB,
	}
	if err := s.workers.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	s.log.Info("worker registered", "worker", w.Name, "address", w.Address)
	return w, nil
}

// SetWorkerActive takes a worker out of service or puts it back. A worker
// put back counts as active until the next health probe says otherwise.
func (s *Service) SetWorkerActive(ctx context.Context, id uint, active bool) (*db.WorkerNode, error) {
	status := db.WorkerInactive
	if active {
		status = db.WorkerActive
	}
	if err := s.workers.SetStatus(ctx, id, status); err != nil {
		return nil, err
	}
	s.log.Info("worker status changed", "worker_id", id, "status", status)
	return s.workers.Get(ctx, id)
}
