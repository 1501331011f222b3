// Package content defines the typed template document stored with every page.
//
// A document has the fields shared by all kinds plus at most one
// kind-specific section. Validate enforces that the section matches the
// page's template kind so renderer lookups never see a foreign shape.
package content

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects the template fragment used to render a page.
type Kind string

// Template kinds.
const (
	KindBlank   Kind = "blank"
	KindHome    Kind = "home"
	KindListing Kind = "listing"
	KindDetail  Kind = "detail"
	KindPage    Kind = "page"
)

var (
	// ErrInvalidKind is returned for an unknown template kind.
	ErrInvalidKind = errors.New("content: invalid template kind")
	// ErrMissingTitle is returned when a templated page has no title.
	ErrMissingTitle = errors.New("content: title required")
	// ErrForeignSection is returned when a section does not belong to the kind.
	ErrForeignSection = errors.New("content: section does not match template kind")
)

// ParseKind accepts a kind name; empty means blank.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if k == "" {
		return KindBlank, nil
	}
	switch k {
	case KindBlank, KindHome, KindListing, KindDetail, KindPage:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

// File is the template fragment file name for the kind, or "" for blank.
func (k Kind) File() string {
	if k == KindBlank || k == "" {
		return ""
	}
	return string(k) + ".html"
}

// Image is one gallery entry.
type Image struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

// Item is one entry of a listing or homepage section.
type Item struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Image   string `json:"image,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Detail holds fields for detail pages (a single property or venue).
type Detail struct {
	Address    string   `json:"address,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Price      string   `json:"price,omitempty"`
	Rating     float64  `json:"rating,omitempty"`
	Amenities  []string `json:"amenities,omitempty"`
	BookingURL string   `json:"bookingUrl,omitempty"`
}

// Listing holds fields for category listing pages.
type Listing struct {
	Heading string `json:"heading,omitempty"`
	Items   []Item `json:"items,omitempty"`
}

// Section groups homepage items, usually one per top-level folder.
type Section struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
	Items []Item `json:"items,omitempty"`
}

// Home holds fields for homepages.
type Home struct {
	Tagline  string    `json:"tagline,omitempty"`
	Featured []Item    `json:"featured,omitempty"`
	Sections []Section `json:"sections,omitempty"`
}

// TemplateData is the structured document a page is rendered from.
type TemplateData struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Gallery     []Image `json:"gallery,omitempty"`
	// Body is raw HTML inserted for {{CONTENT}}.
	Body string `json:"body,omitempty"`
	// Breadcrumb is used when the page has no folder. BreadcrumbPaths
	// holds the matching links; entries without one render as plain text
	// except the first, which links home.
	Breadcrumb      []string `json:"breadcrumb,omitempty"`
	BreadcrumbPaths []string `json:"breadcrumbPaths,omitempty"`

	Detail  *Detail  `json:"detail,omitempty"`
	Listing *Listing `json:"listing,omitempty"`
	Home    *Home    `json:"home,omitempty"`
}

// Validate checks the document against kind.
func (d TemplateData) Validate(kind Kind) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	if kind != KindBlank && strings.TrimSpace(d.Title) == "" {
		return ErrMissingTitle
	}
	if d.Detail != nil && kind != KindDetail {
		return fmt.Errorf("%w: detail on %s", ErrForeignSection, kind)
	}
	if d.Listing != nil && kind != KindListing {
		return fmt.Errorf("%w: listing on %s", ErrForeignSection, kind)
	}
	if d.Home != nil && kind != KindHome {
		return fmt.Errorf("%w: home on %s", ErrForeignSection, kind)
	}
	return nil
}

// FirstImage returns the first gallery URL or "".
func (d TemplateData) FirstImage() string {
	for _, img := range d.Gallery {
		if strings.TrimSpace(img.URL) != "" {
			return img.URL
		}
	}
	return ""
}

// Items returns the listing or homepage featured items, whichever the
// document carries.
func (d TemplateData) Items() []Item {
	switch {
	case d.Listing != nil:
		return d.Listing.Items
	case d.Home != nil:
		return d.Home.Featured
	}
	return nil
}
