package db

import (
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/content"
	"gorm.io/gorm"
)

// Site hosting kinds.
const (
	KindStatic    = "static"
	KindCMS       = "cms"
	KindTemplated = "templated"
)

// Site statuses.
const (
	SiteDraft     = "draft"
	SiteDeploying = "deploying"
	SiteDeployed  = "deployed"
	SiteSuspended = "suspended"
	SiteError     = "error"
)

// Worker node statuses.
const (
	WorkerActive   = "active"
	WorkerInactive = "inactive"
	WorkerError    = "error"
)

// Batch task statuses.
const (
	TaskPending = "pending"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// SiteSettings is the per-site settings document merged into every render.
type SiteSettings struct {
	SiteName     string `json:"siteName,omitempty"`
	Protocol     string `json:"protocol,omitempty"`
	Tagline      string `json:"tagline,omitempty"`
	ContactEmail string `json:"contactEmail,omitempty"`
}

// Site is a hosted website identified by its domain.
type Site struct {
	gorm.Model
	Domain          string `gorm:"uniqueIndex;not null"`
	Kind            string `gorm:"not null;default:templated"`
	TemplatePackage string
	Status          string `gorm:"index;not null;default:draft"`
	ContentVersion  int64  `gorm:"not null;default:0"`
	DeployedVersion int64  `gorm:"not null;default:0"`
	TLSEnabled      bool
	WorkerNodeID    uint         `gorm:"index"`
	Settings        SiteSettings `gorm:"serializer:json"`
}

// HasPendingChanges reports whether edits exist that are not live yet.
func (s Site) HasPendingChanges() bool {
	return s.DeployedVersion < s.ContentVersion
}

// Templated reports whether the site is rendered from a template package.
func (s Site) Templated() bool {
	return s.Kind == KindTemplated
}

// Protocol returns the site's URL scheme, https when TLS is on.
func (s Site) Protocol() string {
	if s.Settings.Protocol != "" {
		return s.Settings.Protocol
	}
	if s.TLSEnabled {
		return "https"
	}
	return "http"
}

// Page is one rendered HTML artifact of a site.
type Page struct {
	gorm.Model
	SiteID          uint   `gorm:"uniqueIndex:idx_pages_site_path;not null"`
	Path            string `gorm:"uniqueIndex:idx_pages_site_path;not null"`
	Filename        string `gorm:"not null;default:index.html"`
	Title           string
	TemplateKind    content.Kind         `gorm:"not null;default:blank"`
	TemplateData    content.TemplateData `gorm:"serializer:json"`
	Content         string
	PrimaryFolderID *uint
	Folders         []Folder `gorm:"many2many:page_folders;"`
}

// FolderIDs returns the ids of the loaded folder association.
func (p Page) FolderIDs() []uint {
	ids := make([]uint, 0, len(p.Folders))
	for _, f := range p.Folders {
		ids = append(ids, f.ID)
	}
	return ids
}

// Folder is a category node. Its path is derived from the ancestor slugs.
type Folder struct {
	gorm.Model
	SiteID      uint  `gorm:"uniqueIndex:idx_folders_site_slug;not null"`
	ParentID    *uint `gorm:"index"`
	Name        string
	Slug        string `gorm:"uniqueIndex:idx_folders_site_slug;not null"`
	Description string
}

// WorkerNode is a machine serving site files.
type WorkerNode struct {
	gorm.Model
	Name             string
	Address          string `gorm:"not null"`
	Key              string `gorm:"uniqueIndex;not null"`
	Status           string `gorm:"not null;default:active"`
	DocumentRootBase string `gorm:"not null;default:/var/www/sites"`
	CPUCores         int
	MemoryMB         int
	DiskGB           int
	LastSeen         time.Time
}

// DeployBatch groups the tasks planned for one content version of a site.
type DeployBatch struct {
	ID        string `gorm:"primaryKey"`
	SiteID    uint   `gorm:"index"`
	Version   int64
	CreatedAt time.Time
}

// BatchTask records the terminal outcome of one task in a batch.
type BatchTask struct {
	BatchID   string `gorm:"primaryKey"`
	TaskKey   string `gorm:"primaryKey"`
	Status    string `gorm:"not null;default:pending"`
	UpdatedAt time.Time
}
