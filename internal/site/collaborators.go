package site

import (
	"context"
	"log/slog"

	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
)

// DNSService manages the records pointing a site's domain at its worker.
type DNSService interface {
	CreateRecords(ctx context.Context, site db.Site, worker db.WorkerNode) error
	DeleteRecords(ctx context.Context, site db.Site) error
}

// CertificateService obtains and renews TLS certificates.
type CertificateService interface {
	Issue(ctx context.Context, site db.Site) error
	Renew(ctx context.Context, site db.Site) error
}

// NoopDNS is used when DNS is managed outside the fleet. It only logs.
type NoopDNS struct {
	Logger *slog.Logger
}

func (d NoopDNS) CreateRecords(_ context.Context, site db.Site, worker db.WorkerNode) error {
	if d.Logger != nil {
		d.Logger.Debug("dns records not managed", "site", site.Domain, "worker", worker.Address)
	}
	return nil
}

func (d NoopDNS) DeleteRecords(_ context.Context, site db.Site) error {
	if d.Logger != nil {
		d.Logger.Debug("dns records not managed", "site", site.Domain)
	}
	return nil
}

// WorkerCertificates runs certbot on the site's worker through the
// generate-ssl command. Renewal reissues; certbot keeps a valid
// certificate until it is close to expiry.
type WorkerCertificates struct {
	service *Service
}

func (c WorkerCertificates) Issue(ctx context.Context, site db.Site) error {
	at, err := c.service.place(ctx, &site)
	if err != nil {
		return err
	}
	email := site.Settings.ContactEmail
	if c.service.acmeEmail != "" {
		email = c.service.acmeEmail
	}
	_, err = c.service.deployer.GenerateSSL(ctx, at.target, spec.GenerateSSLRequest{
		Domain:       site.Domain,
		Email:        email,
		DocumentRoot: at.root,
	})
	return err
}

func (c WorkerCertificates) Renew(ctx context.Context, site db.Site) error {
	return c.Issue(ctx, site)
}
