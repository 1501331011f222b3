// Package hostname classifies site domains as roots or subdomains.
//
// Classification counts dot-separated labels: a name with more than two
// labels is a subdomain of its trailing two labels. Multi-label public
// suffixes such as co.uk are therefore misclassified; this is a known
// limitation kept for compatibility with existing fleets.
package hostname

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// Normalize lowercases a domain, strips a trailing dot and converts
// internationalised labels to their ASCII form.
func Normalize(domain string) (string, error) {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if d == "" {
		return "", fmt.Errorf("empty domain")
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", domain, err)
	}
	if !strings.Contains(ascii, ".") {
		return "", fmt.Errorf("invalid domain %q: needs at least two labels", domain)
	}
	return ascii, nil
}

func labels(domain string) []string {
	return strings.Split(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), "."), ".")
}

// IsSubdomain reports whether domain has more than two labels.
func IsSubdomain(domain string) bool {
	return len(labels(domain)) > 2
}

// Root returns the trailing two labels of domain. For a root domain it
// returns the domain itself.
func Root(domain string) string {
	parts := labels(domain)
	if len(parts) <= 2 {
		return strings.Join(parts, ".")
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// IsChildOf reports whether domain is a subdomain under root.
func IsChildOf(domain, root string) bool {
	return IsSubdomain(domain) && Root(domain) == Root(root) && !IsSubdomain(root)
}
