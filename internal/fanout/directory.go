package fanout

import (
	"context"

	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"gorm.io/gorm"
)

// DBDirectory implements Directory on the gorm repositories.
type DBDirectory struct {
	sites   *db.Sites
	pages   *db.Pages
	folders *db.Folders
}

// NewDBDirectory returns a Directory backed by gdb.
func NewDBDirectory(gdb *gorm.DB) *DBDirectory {
	return &DBDirectory{
		sites:   db.NewSites(gdb),
		pages:   db.NewPages(gdb),
		folders: db.NewFolders(gdb),
	}
}

// RootSite implements Directory.
func (d *DBDirectory) RootSite(ctx context.Context, domain string) (*db.Site, error) {
	return d.sites.FindRoot(ctx, domain)
}

// PageFolderIDs implements Directory.
func (d *DBDirectory) PageFolderIDs(ctx context.Context, pageID uint) ([]uint, error) {
	return d.pages.FolderIDs(ctx, pageID)
}

// SiteFolderIDs implements Directory.
func (d *DBDirectory) SiteFolderIDs(ctx context.Context, siteID uint) ([]uint, error) {
	return d.folders.IDsBySite(ctx, siteID)
}
