package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/atvirokodosprendimai/sitefleet/internal/content"
	"github.com/atvirokodosprendimai/sitefleet/internal/logger"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string]string

func (m mapSource) Template(pkg, name string) (string, bool, error) {
	text, ok := m[pkg+"/"+name]
	return text, ok, nil
}

func travelPackage() mapSource {
	return mapSource{
		"travel/header.html": `<header>{{SITE_NAME}}</header>`,
		"travel/footer.html": `<footer>&copy; {{SITE_NAME}}</footer>`,
		"travel/detail.html": `<html><head><title>{{TITLE}}</title>` +
			`<meta name="description" content="{{DESCRIPTION}}">` +
			`<meta property="og:image" content="{{OG_IMAGE}}">` +
			`<meta property="og:url" content="{{OG_URL}}">` +
			`<script src="/js/app.js?v={{SCRIPT_VERSION}}"></script>` +
			`<link rel="stylesheet" href="/css/site.css">` +
			`<script src="//cdn.example.net/lib.js"></script>` +
			`</head><body class="detail">{{BREADCRUMBS}}<h1>{{TITLE}}</h1>{{CONTENT}}{{DATA_SCRIPT}}</body></html>`,
		"travel/listing.html": `<h1>{{TITLE}}</h1>{{ITEMS}}`,
	}
}

func uintPtr(v uint) *uint { return &v }

func asiaTree() map[uint]Folder {
	return map[uint]Folder{
		1: {ID: 1, Name: "Asia", Slug: "asia"},
		2: {ID: 2, Name: "Vietnam", Slug: "vietnam", ParentID: uintPtr(1)},
	}
}

func sapaRequest() Request {
	return Request{
		Package: "travel",
		Kind:    content.KindDetail,
		Data: content.TemplateData{
			Title:       "Sapa Lodge",
			Description: "Mountain lodge",
			Gallery:     []content.Image{{URL: "https://img.example.com/sapa.jpg"}},
			Body:        "<p>Terraces & views</p>",
			Detail:      &content.Detail{Price: "$40"},
		},
		Page:     PageRef{Path: "/sapa-lodge", Title: "Sapa Lodge", FolderIDs: []uint{2}},
		Folders:  asiaTree(),
		Settings: Settings{SiteName: "Hotel <Test>", Domain: "hotel.test", Protocol: "https"},
	}
}

func TestBreadcrumbRoundTrip(t *testing.T) {
	b := BuildBreadcrumb(sapaRequest())
	assert.Equal(t, []string{"Home", "Asia", "Vietnam", "Sapa Lodge"}, b.Names)
	assert.Equal(t, []string{"/", "/asia", "/asia/vietnam", ""}, b.Paths)
}

func TestBreadcrumbPrefersPrimaryFolder(t *testing.T) {
	req := sapaRequest()
	req.Page.FolderIDs = []uint{2, 1}
	req.Page.PrimaryFolderID = uintPtr(1)
	b := BuildBreadcrumb(req)
	assert.Equal(t, []string{"Home", "Asia", "Sapa Lodge"}, b.Names)
	assert.Equal(t, []string{"/", "/asia", ""}, b.Paths)
}

func TestBreadcrumbFallbacks(t *testing.T) {
	req := sapaRequest()
	req.Page.FolderIDs = nil
	b := BuildBreadcrumb(req)
	assert.Equal(t, []string{"Home", "Stays", "Sapa Lodge"}, b.Names)
	assert.Equal(t, []string{"/", "/stays", ""}, b.Paths)

	req.Data.Breadcrumb = []string{"Home", "Hotels", "Sapa Lodge"}
	b = BuildBreadcrumb(req)
	assert.Equal(t, []string{"Home", "Hotels", "Sapa Lodge"}, b.Names)
	assert.Equal(t, []string{"/", "", ""}, b.Paths)

	req.Data.BreadcrumbPaths = []string{"", "/hotels", "/hotels/sapa-lodge"}
	b = BuildBreadcrumb(req)
	assert.Equal(t, []string{"/", "/hotels", ""}, b.Paths)
	assert.Contains(t, breadcrumbHTML(b), `<li><a href="/hotels">Hotels</a></li>`)

	req.Data.Breadcrumb = []string{"Home"}
	req.Data.BreadcrumbPaths = nil
	b = BuildBreadcrumb(req)
	assert.Equal(t, []string{""}, b.Paths)
}

func TestBreadcrumbSurvivesParentLoop(t *testing.T) {
	tree := map[uint]Folder{
		1: {ID: 1, Name: "A", Slug: "a", ParentID: uintPtr(2)},
		2: {ID: 2, Name: "B", Slug: "b", ParentID: uintPtr(1)},
	}
	chain := Ancestors(tree, 1)
	assert.LessOrEqual(t, len(chain), len(tree)+1)
}

func TestRenderDetail(t *testing.T) {
	r := New(travelPackage())
	req := sapaRequest()
	req.ScriptVersion = "42"

	res, err := r.Render(req)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.KindApplied)

	out := res.HTML
	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>\n<html>"))
	assert.Contains(t, out, `<body class="detail"><header>Hotel &lt;Test&gt;</header>`)
	assert.Contains(t, out, `<footer>&copy; Hotel &lt;Test&gt;</footer></body>`)
	assert.Contains(t, out, `<title>Sapa Lodge</title>`)
	assert.Contains(t, out, `content="https://hotel.test/sapa-lodge"`)
	assert.Contains(t, out, `content="https://img.example.com/sapa.jpg"`)
	assert.Contains(t, out, `/js/app.js?v=42`)
	assert.Contains(t, out, `<p>Terraces & views</p>`)
	assert.Contains(t, out, `<li><a href="/asia/vietnam">Vietnam</a></li>`)
	assert.Contains(t, out, `<script type="application/json" id="page-data">{"title":"Sapa Lodge"`)
	assert.NotContains(t, out, "{{")
}

func TestRenderIsIdempotentExceptScriptVersion(t *testing.T) {
	r := New(travelPackage())
	req := sapaRequest()

	req.ScriptVersion = "1000"
	first, err := r.Render(req)
	require.NoError(t, err)
	req.ScriptVersion = "2000"
	second, err := r.Render(req)
	require.NoError(t, err)

	assert.NotEqual(t, first.HTML, second.HTML)
	assert.Equal(t, first.HTML, strings.ReplaceAll(second.HTML, "2000", "1000"))

	req.ScriptVersion = "1000"
	third, err := r.Render(req)
	require.NoError(t, err)
	assert.Equal(t, first.HTML, third.HTML)
}

func TestRenderSubstitutionIsSinglePass(t *testing.T) {
	r := New(travelPackage())
	req := sapaRequest()
	req.ScriptVersion = "1"
	req.Data.Title = "{{DESCRIPTION}}"

	res, err := r.Render(req)
	require.NoError(t, err)
	assert.Contains(t, res.HTML, `<title>{{DESCRIPTION}}</title>`)
}

func TestRenderEscapesTextButNotData(t *testing.T) {
	r := New(travelPackage())
	req := sapaRequest()
	req.ScriptVersion = "1"
	req.Data.Title = `</script><b>"x"</b>`

	res, err := r.Render(req)
	require.NoError(t, err)
	assert.Contains(t, res.HTML, `<title>&lt;/script&gt;&lt;b&gt;&#34;x&#34;&lt;/b&gt;</title>`)
	assert.NotContains(t, res.HTML, `</script><b>`)
	assert.Contains(t, res.HTML, `\u003c/script\u003e\u003cb\u003e`)
}

func TestRenderAssetRewrite(t *testing.T) {
	r := New(travelPackage())
	req := sapaRequest()
	req.ScriptVersion = "7"
	req.Settings.Domain = "lodge.hotel.test"
	req.Settings.AssetDomain = "hotel.test"
	req.Settings.AssetProtocol = "https"

	res, err := r.Render(req)
	require.NoError(t, err)
	assert.Contains(t, res.HTML, `<script src="https://hotel.test/js/app.js?v=7">`)
	assert.Contains(t, res.HTML, `href="https://hotel.test/css/site.css"`)
	assert.Contains(t, res.HTML, `<script src="//cdn.example.net/lib.js">`)

	req.Settings.AssetDomain = req.Settings.Domain
	res, err = r.Render(req)
	require.NoError(t, err)
	assert.Contains(t, res.HTML, `<script src="/js/app.js?v=7">`)
}

func TestRenderWrapsFragmentWithoutBody(t *testing.T) {
	r := New(travelPackage())
	req := Request{
		Package: "travel",
		Kind:    content.KindListing,
		Data: content.TemplateData{
			Title: "Vietnam",
			Listing: &content.Listing{Items: []content.Item{
				{Title: "Sapa <Lodge>", URL: "/sapa-lodge", Summary: "Hills"},
			}},
		},
		Page:          PageRef{Path: "/asia/vietnam/"},
		Settings:      Settings{Domain: "hotel.test"},
		ScriptVersion: "1",
	}

	res, err := r.Render(req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.HTML, "<!DOCTYPE html>\n<html>\n<h1>Vietnam</h1>"))
	assert.Contains(t, res.HTML, `<a href="/sapa-lodge"><span>Sapa &lt;Lodge&gt;</span></a><p>Hills</p>`)
	assert.True(t, strings.HasSuffix(res.HTML, "</footer>\n</html>\n"))
}

func TestRenderMissingTemplates(t *testing.T) {
	req := sapaRequest()
	req.Page.Content = "<p>cached</p>"

	res, err := New(mapSource{}).Render(req)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "<p>cached</p>", res.HTML)

	// header only: cached content becomes the body
	res, err = New(mapSource{"travel/header.html": "<header>h</header>"}).Render(req)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.KindApplied)
	assert.Contains(t, res.HTML, "<p>cached</p><header>h</header>")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short"))
	exact := strings.Repeat("a", 160)
	assert.Equal(t, exact, Truncate(exact))
	long := strings.Repeat("é", 161)
	out := Truncate(long)
	assert.Equal(t, 160, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestTruncateProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("never longer than 160 runes", prop.ForAll(
		func(s string) bool {
			return utf8.RuneCountInString(Truncate(s)) <= 160
		},
		gen.AnyString(),
	))
	properties.Property("short strings unchanged", prop.ForAll(
		func(s string) bool {
			if utf8.RuneCountInString(s) > 160 {
				return true
			}
			return Truncate(s) == s
		},
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func TestStoreReadsAndInvalidates(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "travel"), 0o755))
	file := filepath.Join(root, "travel", "page.html")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o644))

	s := NewStore(root, logger.Discard())
	text, ok, err := s.Template("travel", "page.html")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", text)
	assert.True(t, s.HasPackage("travel"))
	assert.False(t, s.HasPackage("missing"))

	require.NoError(t, os.WriteFile(file, []byte("v2"), 0o644))
	text, _, _ = s.Template("travel", "page.html")
	assert.Equal(t, "v1", text, "served from cache")

	s.forget(file)
	text, _, _ = s.Template("travel", "page.html")
	assert.Equal(t, "v2", text)

	_, ok, err = s.Template("travel", "missing.html")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Template("..", "page.html")
	assert.ErrorIs(t, err, ErrInvalidTemplateName)
	_, _, err = s.Template("travel", "../secret")
	assert.ErrorIs(t, err, ErrInvalidTemplateName)
}
