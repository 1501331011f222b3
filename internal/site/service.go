// Package site is the control plane's orchestration layer. Content
// mutations go through it so that every change bumps the site's content
// version, plans its fan-out and hands the tasks to the dispatcher.
package site

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/fanout"
	"github.com/atvirokodosprendimai/sitefleet/internal/render"
	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
	"github.com/atvirokodosprendimai/sitefleet/internal/transport"
	"gorm.io/gorm"
)

var (
	// ErrWorkerInactive is returned when the site's worker was taken out of
	// service.
	ErrWorkerInactive = errors.New("site: worker node is not active")
	// ErrWorkerUnhealthy is returned when the last health probe of the
	// site's worker failed. Unlike ErrWorkerInactive it is transient.
	ErrWorkerUnhealthy = errors.New("site: worker node failed its last health probe")
	// ErrTemplateMissing is returned when a templated site's package does not exist.
	ErrTemplateMissing = errors.New("site: template package missing")
	// ErrNotTemplated is returned for template-only operations on other kinds.
	ErrNotTemplated = errors.New("site: site is not templated")
	// ErrFanOut is returned when a mutation was committed but its tasks
	// could not be scheduled. The change stays pending until the next
	// full deploy.
	ErrFanOut = errors.New("site: change saved but fan-out failed")
)

// Deployer issues worker commands. *deployer.Client implements it.
type Deployer interface {
	DeploySite(ctx context.Context, target transport.Target, req spec.DeploySiteRequest) (spec.Response, error)
	DeployPage(ctx context.Context, target transport.Target, req spec.DeployPageRequest) (spec.Response, error)
	RemovePage(ctx context.Context, target transport.Target, req spec.RemovePageRequest) (spec.Response, error)
	RemoveSite(ctx context.Context, target transport.Target, req spec.RemoveSiteRequest) (spec.Response, error)
	DeactivateSite(ctx context.Context, target transport.Target, req spec.DeactivateSiteRequest) (spec.Response, error)
	GenerateSSL(ctx context.Context, target transport.Target, req spec.GenerateSSLRequest) (spec.Response, error)
	RevokeSSL(ctx context.Context, target transport.Target, req spec.RevokeSSLRequest) (spec.Response, error)
	UpdateProxyConfig(ctx context.Context, target transport.Target, req spec.ProxyConfigRequest) (spec.Response, error)
}

// Queue accepts planned tasks. *dispatch.Dispatcher implements it.
type Queue interface {
	Enqueue(ctx context.Context, tasks []fanout.Task) error
}

// Templates is the template package store.
type Templates interface {
	render.Source
	HasPackage(pkg string) bool
}

// Deps wires a Service. DNS and Certificates are optional.
type Deps struct {
	DB           *gorm.DB
	Templates    Templates
	Deployer     Deployer
	Queue        Queue
	DNS          DNSService
	Certificates CertificateService
	ACMEEmail    string
	Logger       *slog.Logger
}

// Service implements content mutations, task execution and site lifecycle.
type Service struct {
	gdb       *gorm.DB
	sites     *db.Sites
	pages     *db.Pages
	folders   *db.Folders
	workers   *db.Workers
	batches   *db.Batches
	planner   *fanout.Planner
	renderer  *render.Renderer
	templates Templates
	deployer  Deployer
	queue     Queue
	dns       DNSService
	certs     CertificateService
	acmeEmail string
	log       *slog.Logger
}

// NewService builds a Service from d.
func NewService(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		gdb:       d.DB,
		sites:     db.NewSites(d.DB),
		pages:     db.NewPages(d.DB),
		folders:   db.NewFolders(d.DB),
		workers:   db.NewWorkers(d.DB),
		batches:   db.NewBatches(d.DB),
		planner:   fanout.NewPlanner(fanout.NewDBDirectory(d.DB)),
		renderer:  render.New(d.Templates),
		templates: d.Templates,
		deployer:  d.Deployer,
		queue:     d.Queue,
		dns:       d.DNS,
		certs:     d.Certificates,
		acmeEmail: d.ACMEEmail,
		log:       log.With("component", "site"),
	}
	if s.dns == nil {
		s.dns = NoopDNS{Logger: s.log}
	}
	if s.certs == nil {
		s.certs = WorkerCertificates{service: s}
	}
	return s
}

// SetQueue replaces the task queue. The dispatcher needs the service as its
// executor, so the two are wired in two steps.
func (s *Service) SetQueue(q Queue) {
	s.queue = q
}

// Sites exposes the site repository for read-only callers.
func (s *Service) Sites() *db.Sites { return s.sites }

// Pages exposes the page repository for read-only callers.
func (s *Service) Pages() *db.Pages { return s.pages }

// Folders exposes the folder repository for read-only callers.
func (s *Service) Folders() *db.Folders { return s.folders }

// Workers exposes the worker repository.
func (s *Service) Workers() *db.Workers { return s.workers }

// placement resolves the worker target and document root of a site.
type placement struct {
	worker *db.WorkerNode
	target transport.Target
	root   string
}

// place resolves where site lives, refusing inactive and unhealthy workers.
func (s *Service) place(ctx context.Context, site *db.Site) (placement, error) {
	at, err := s.locate(ctx, site)
	if err != nil {
		return placement{}, err
	}
	if at.worker.Status == db.WorkerError {
		return placement{}, ErrWorkerUnhealthy
	}
	return at, nil
}

// locate is place without the health check, for callers that try the
// worker anyway and handle the failure themselves.
func (s *Service) locate(ctx context.Context, site *db.Site) (placement, error) {
	w, err := s.workers.Get(ctx, site.WorkerNodeID)
	if err != nil {
		return placement{}, err
	}
	if w.Status == db.WorkerInactive {
		return placement{}, ErrWorkerInactive
	}
	return placement{
		worker: w,
		target: transport.Target{Address: w.Address, Key: w.Key},
		root:   documentRoot(w, site),
	}, nil
}
