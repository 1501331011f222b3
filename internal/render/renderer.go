// Package render turns a page's typed template document into final HTML.
//
// A template package is a directory holding header.html, footer.html and one
// fragment per template kind (detail.html, listing.html, ...). Rendering is a
// pure function of the Request: settings are passed in explicitly and the
// only I/O is reading fragments through a Source.
package render

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/content"
)

// Shared fragment names inside every template package.
const (
	HeaderFile = "header.html"
	FooterFile = "footer.html"
)

const (
	doctype         = "<!DOCTYPE html>"
	maxDescription  = 160
	keepDescription = 157
)

// Source reads template package files. ok is false when the file does not
// exist; err is reserved for real read failures.
type Source interface {
	Template(pkg, name string) (text string, ok bool, err error)
}

// Settings is the per-site context merged into a render.
type Settings struct {
	SiteName string
	Domain   string
	Protocol string
	// AssetDomain hosts root-relative scripts and stylesheets. Subdomain
	// sites point it at their root domain.
	AssetDomain   string
	AssetProtocol string
}

// Folder is the slice of a folder row the renderer needs.
type Folder struct {
	ID       uint
	ParentID *uint
	Name     string
	Slug     string
}

// PageRef identifies the page being rendered.
type PageRef struct {
	Path            string
	Title           string
	Content         string
	FolderIDs       []uint
	PrimaryFolderID *uint
}

// Request is everything a render depends on.
type Request struct {
	Package  string
	Kind     content.Kind
	Data     content.TemplateData
	Page     PageRef
	Folders  map[uint]Folder
	Settings Settings
	// ScriptVersion fixes {{SCRIPT_VERSION}}; empty means the current unix time.
	ScriptVersion string
}

// Breadcrumb is a pair of parallel name/link lists. The last link is empty.
type Breadcrumb struct {
	Names []string `json:"names"`
	Paths []string `json:"paths"`
}

// Result is a rendered document.
type Result struct {
	HTML string
	// Applied is false when no template fragment was found and HTML is the
	// page's cached content unchanged.
	Applied bool
	// KindApplied reports whether the kind fragment itself was found.
	KindApplied bool

	Breadcrumb Breadcrumb
}

// Renderer renders pages from a template Source.
type Renderer struct {
	src Source
	now func() time.Time
}

// New returns a Renderer reading fragments from src.
func New(src Source) *Renderer {
	return &Renderer{src: src, now: time.Now}
}

// Render produces the HTML for req. Missing fragments are not errors.
func (r *Renderer) Render(req Request) (Result, error) {
	body, kindOK, err := r.fragment(req.Package, req.Kind.File())
	if err != nil {
		return Result{}, err
	}
	if !kindOK {
		body = req.Page.Content
	}
	header, headerOK, err := r.fragment(req.Package, HeaderFile)
	if err != nil {
		return Result{}, err
	}
	footer, footerOK, err := r.fragment(req.Package, FooterFile)
	if err != nil {
		return Result{}, err
	}

	crumbs := BuildBreadcrumb(req)
	if !kindOK && !headerOK && !footerOK {
		return Result{HTML: req.Page.Content, Breadcrumb: crumbs}, nil
	}

	doc := insertShared(body, header, footer)
	doc = ensureDocument(doc)

	script, err := dataScript(req, crumbs)
	if err != nil {
		return Result{}, err
	}
	doc = r.placeholders(req, crumbs, script).Replace(doc)
	doc = rewriteAssets(doc, req.Settings)

	return Result{HTML: doc, Applied: true, KindApplied: kindOK, Breadcrumb: crumbs}, nil
}

func (r *Renderer) fragment(pkg, name string) (string, bool, error) {
	if name == "" || r.src == nil {
		return "", false, nil
	}
	text, ok, err := r.src.Template(pkg, name)
	if err != nil {
		return "", false, fmt.Errorf("read template %s/%s: %w", pkg, name, err)
	}
	return text, ok, nil
}

func (r *Renderer) placeholders(req Request, crumbs Breadcrumb, script string) *strings.Replacer {
	version := req.ScriptVersion
	if version == "" {
		version = strconv.FormatInt(r.now().Unix(), 10)
	}
	return strings.NewReplacer(
		"{{TITLE}}", html.EscapeString(pageTitle(req)),
		"{{DESCRIPTION}}", html.EscapeString(Truncate(req.Data.Description)),
		"{{OG_IMAGE}}", html.EscapeString(req.Data.FirstImage()),
		"{{OG_URL}}", html.EscapeString(PageURL(req.Settings, req.Page.Path)),
		"{{SCRIPT_VERSION}}", html.EscapeString(version),
		"{{SITE_NAME}}", html.EscapeString(req.Settings.SiteName),
		"{{DATA_SCRIPT}}", script,
		"{{CONTENT}}", req.Data.Body,
		"{{BREADCRUMBS}}", breadcrumbHTML(crumbs),
		"{{ITEMS}}", itemsHTML(req.Data.Items()),
	)
}

func pageTitle(req Request) string {
	if t := strings.TrimSpace(req.Data.Title); t != "" {
		return t
	}
	return req.Page.Title
}

// Truncate shortens descriptions longer than 160 runes to 157 runes plus "...".
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxDescription {
		return s
	}
	return string(runes[:keepDescription]) + "..."
}

// PageURL is the absolute URL of path on the site.
func PageURL(s Settings, path string) string {
	protocol := s.Protocol
	if protocol == "" {
		protocol = "http"
	}
	return protocol + "://" + s.Domain + path
}

// insertShared places header right after the opening body tag and footer
// right before the closing one. Missing tags mean append.
func insertShared(doc, header, footer string) string {
	lower := strings.ToLower(doc)
	if header != "" {
		if open := openingBody(lower); open >= 0 {
			doc = doc[:open] + header + doc[open:]
		} else {
			doc += header
		}
	}
	if footer != "" {
		lower = strings.ToLower(doc)
		if closing := strings.LastIndex(lower, "</body>"); closing >= 0 {
			doc = doc[:closing] + footer + doc[closing:]
		} else {
			doc += footer
		}
	}
	return doc
}

// openingBody returns the offset just past "<body...>", or -1.
func openingBody(lower string) int {
	from := 0
	for {
		i := strings.Index(lower[from:], "<body")
		if i < 0 {
			return -1
		}
		i += from
		next := i + len("<body")
		if next < len(lower) && (lower[next] == '>' || isSpace(lower[next])) {
			end := strings.IndexByte(lower[next:], '>')
			if end < 0 {
				return -1
			}
			return next + end + 1
		}
		from = next
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' || b == '/'
}

func ensureDocument(doc string) string {
	trimmed := strings.TrimLeft(doc, " \t\r\n\ufeff")
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "<!doctype") {
		return trimmed
	}
	if strings.HasPrefix(lower, "<html") {
		return doctype + "\n" + trimmed
	}
	return doctype + "\n<html>\n" + trimmed + "\n</html>\n"
}

type pagePayload struct {
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	URL         string               `json:"url"`
	Path        string               `json:"path"`
	Kind        content.Kind         `json:"kind"`
	SiteName    string               `json:"siteName,omitempty"`
	Breadcrumb  Breadcrumb           `json:"breadcrumb"`
	Data        content.TemplateData `json:"data"`
}

// dataScript encodes the page document for client scripts. encoding/json
// escapes <, > and & so the payload cannot close the script element.
func dataScript(req Request, crumbs Breadcrumb) (string, error) {
	payload, err := json.Marshal(pagePayload{
		Title:       pageTitle(req),
		Description: req.Data.Description,
		URL:         PageURL(req.Settings, req.Page.Path),
		Path:        req.Page.Path,
		Kind:        req.Kind,
		SiteName:    req.Settings.SiteName,
		Breadcrumb:  crumbs,
		Data:        req.Data,
	})
	if err != nil {
		return "", fmt.Errorf("encode page data: %w", err)
	}
	return `<script type="application/json" id="page-data">` + string(payload) + `</script>`, nil
}

func breadcrumbHTML(b Breadcrumb) string {
	if len(b.Names) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(`<nav class="breadcrumb" aria-label="Breadcrumb"><ol>`)
	for i, name := range b.Names {
		path := ""
		if i < len(b.Paths) {
			path = b.Paths[i]
		}
		switch {
		case i == len(b.Names)-1:
			sb.WriteString(`<li aria-current="page">` + html.EscapeString(name) + `</li>`)
		case path == "":
			sb.WriteString(`<li>` + html.EscapeString(name) + `</li>`)
		default:
			sb.WriteString(`<li><a href="` + html.EscapeString(path) + `">` + html.EscapeString(name) + `</a></li>`)
		}
	}
	sb.WriteString(`</ol></nav>`)
	return sb.String()
}

func itemsHTML(items []content.Item) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(`<ul class="items">`)
	for _, it := range items {
		sb.WriteString(`<li><a href="` + html.EscapeString(it.URL) + `">`)
		if it.Image != "" {
			sb.WriteString(`<img src="` + html.EscapeString(it.Image) + `" alt="` + html.EscapeString(it.Title) + `">`)
		}
		sb.WriteString(`<span>` + html.EscapeString(it.Title) + `</span></a>`)
		if it.Summary != "" {
			sb.WriteString(`<p>` + html.EscapeString(it.Summary) + `</p>`)
		}
		sb.WriteString(`</li>`)
	}
	sb.WriteString(`</ul>`)
	return sb.String()
}

var (
	scriptSrc = regexp.MustCompile(`(?i)(<script\b[^>]*?\bsrc\s*=\s*["'])/([^/"'][^"']*|)(["'])`)
	linkHref  = regexp.MustCompile(`(?i)(<link\b[^>]*?\bhref\s*=\s*["'])/([^/"'][^"']*|)(["'])`)
)

// rewriteAssets points root-relative script and stylesheet URLs at the asset
// domain. Protocol-relative URLs ("//cdn...") are left alone.
func rewriteAssets(doc string, s Settings) string {
	if s.AssetDomain == "" || strings.EqualFold(s.AssetDomain, s.Domain) {
		return doc
	}
	protocol := s.AssetProtocol
	if protocol == "" {
		protocol = s.Protocol
	}
	if protocol == "" {
		protocol = "http"
	}
	base := strings.ReplaceAll(protocol+"://"+s.AssetDomain, "$", "$$")
	repl := "${1}" + base + "/${2}${3}"
	doc = scriptSrc.ReplaceAllString(doc, repl)
	return linkHref.ReplaceAllString(doc, repl)
}
