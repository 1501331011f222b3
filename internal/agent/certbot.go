package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"github.com/atvirokodosprendimai/sitefleet/internal/hostname"
	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
)

// Certbot obtains and revokes certificates with the certbot CLI using the
// webroot challenge.
type Certbot struct {
	Bin    string
	Runner CommandRunner
}

func validDomain(raw string) (string, error) {
	domain, err := hostname.Normalize(raw)
	if err != nil || !strings.Contains(domain, ".") {
		return "", failure(http.StatusBadRequest, spec.CodeInvalidDomain, fmt.Errorf("invalid domain %q", raw))
	}
	return domain, nil
}

func validEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != strings.TrimSpace(raw) {
		return "", failure(http.StatusBadRequest, spec.CodeInvalidEmail, fmt.Errorf("invalid email %q", raw))
	}
	return addr.Address, nil
}

// Issue requests a certificate for domain. certbot keeps an unexpired
// certificate, so repeated calls act as renewals.
func (c Certbot) Issue(ctx context.Context, domain, email, webroot string) error {
	out, err := c.Runner.Run(ctx, c.Bin, "certonly",
		"--webroot", "-w", webroot,
		"-d", domain,
		"--email", email,
		"--agree-tos", "--non-interactive", "--keep-until-expiring",
	)
	if err != nil {
		return failure(http.StatusBadGateway, spec.CodeCertificateFailed,
			fmt.Errorf("certbot certonly %s: %w: %s", domain, err, strings.TrimSpace(string(out))))
	}
	return nil
}

// Revoke revokes and deletes the certificate of domain.
func (c Certbot) Revoke(ctx context.Context, domain string) error {
	out, err := c.Runner.Run(ctx, c.Bin, "revoke",
		"--cert-name", domain,
		"--delete-after-revoke", "--non-interactive",
	)
	if err != nil {
		return failure(http.StatusBadGateway, spec.CodeCertificateFailed,
			fmt.Errorf("certbot revoke %s: %w: %s", domain, err, strings.TrimSpace(string(out))))
	}
	return nil
}
