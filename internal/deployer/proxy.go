package deployer

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/atvirokodosprendimai/sitefleet/internal/hostname"
)

// ProxySite is the input of the reverse-proxy fragment.
type ProxySite struct {
	Domain       string
	DocumentRoot string
	TLS          bool
	Aliases      []string
}

var proxyTemplate = template.Must(template.New("proxy").Parse(`# managed by sitefleet: {{.Domain}}
server {
    listen 80;
    listen [::]:80;
    server_name {{.Domain}}{{range .Aliases}} {{.}}{{end}};

    location /.well-known/acme-challenge/ {
        root {{.DocumentRoot}};
    }
{{- if .TLS}}

    location / {
        return 301 https://$host$request_uri;
    }
}

server {
    listen 443 ssl;
    listen [::]:443 ssl;
    http2 on;
    server_name {{.Domain}}{{range .Aliases}} {{.}}{{end}};

    ssl_certificate /etc/letsencrypt/live/{{.Domain}}/fullchain.pem;
    ssl_certificate_key /etc/letsencrypt/live/{{.Domain}}/privkey.pem;
{{- end}}

    root {{.DocumentRoot}};
    index index.html;

    location / {
        try_files $uri $uri/ $uri.html =404;
    }
}
`))

// RenderProxyConfig renders the nginx server block for a site. Domains and
// aliases are normalised first so nothing but a hostname reaches the file.
func RenderProxyConfig(site ProxySite) (string, error) {
	domain, err := hostname.Normalize(site.Domain)
	if err != nil {
		return "", err
	}
	site.Domain = domain
	aliases := make([]string, 0, len(site.Aliases))
	for _, a := range site.Aliases {
		n, err := hostname.Normalize(a)
		if err != nil {
			return "", err
		}
		aliases = append(aliases, n)
	}
	site.Aliases = aliases
	if site.DocumentRoot == "" || strings.ContainsAny(site.DocumentRoot, " ;{}\n\r\t'\"") {
		return "", fmt.Errorf("invalid document root %q", site.DocumentRoot)
	}

	var buf bytes.Buffer
	if err := proxyTemplate.Execute(&buf, site); err != nil {
		return "", fmt.Errorf("failed to execute proxy template: %w", err)
	}
	return buf.String(), nil
}
