package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// DefaultFilename is used for pages created without a filename.
const DefaultFilename = "index.html"

// ValidatePagePath rejects paths that do not start with "/" or that try to
// climb out of the document root.
func ValidatePagePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPagePath, path)
	}
	if strings.ContainsRune(path, 0) || strings.Contains(path, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidPagePath, path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPagePath, path)
		}
	}
	return nil
}

// ValidateFilename rejects filenames containing path separators.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: filename %q", ErrInvalidPagePath, name)
	}
	return nil
}

// Pages persists Page rows and their folder associations.
type Pages struct {
	db *gorm.DB
}

// NewPages returns a Page repository.
func NewPages(db *gorm.DB) *Pages {
	return &Pages{db: db}
}

// Get loads a page with its folders.
func (r *Pages) Get(ctx context.Context, id uint) (*Page, error) {
	var page Page
	err := r.db.WithContext(ctx).Preload("Folders", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("folders.id")
	}).First(&page, id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &page, nil
}

// ListBySite returns every page of a site ordered by path.
func (r *Pages) ListBySite(ctx context.Context, siteID uint) ([]Page, error) {
	var pages []Page
	err := r.db.WithContext(ctx).Preload("Folders", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("folders.id")
	}).Where("site_id = ?", siteID).Order("path").Find(&pages).Error
	return pages, err
}

// ListInFolder returns pages of any site associated with a folder.
func (r *Pages) ListInFolder(ctx context.Context, folderID uint) ([]Page, error) {
	var pages []Page
	err := r.db.WithContext(ctx).
		Joins("JOIN page_folders ON page_folders.page_id = pages.id").
		Where("page_folders.folder_id = ?", folderID).
		Order("pages.site_id, pages.path").
		Find(&pages).Error
	return pages, err
}

// FolderIDs returns the folders a page belongs to, lowest id first.
func (r *Pages) FolderIDs(ctx context.Context, pageID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Table("page_folders").
		Where("page_id = ?", pageID).
		Order("folder_id").
		Pluck("folder_id", &ids).Error
	return ids, err
}

func (r *Pages) checkPath(tx *gorm.DB, page *Page) error {
	if err := ValidatePagePath(page.Path); err != nil {
		return err
	}
	if page.Filename == "" {
		page.Filename = DefaultFilename
	}
	if err := ValidateFilename(page.Filename); err != nil {
		return err
	}
	var count int64
	q := tx.Model(&Page{}).Where("site_id = ? AND path = ?", page.SiteID, page.Path)
	if page.ID != 0 {
		q = q.Where("id <> ?", page.ID)
	}
	if err := q.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, page.Path)
	}
	return nil
}

// Create validates and inserts a page.
func (r *Pages) Create(ctx context.Context, page *Page) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.checkPath(tx, page); err != nil {
			return err
		}
		return tx.Omit("Folders").Create(page).Error
	})
}

// Update validates and saves the page's own columns.
func (r *Pages) Update(ctx context.Context, page *Page) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.checkPath(tx, page); err != nil {
			return err
		}
		return tx.Omit("Folders").Save(page).Error
	})
}

// SaveContent caches rendered HTML for a page.
func (r *Pages) SaveContent(ctx context.Context, id uint, html string) error {
	return r.db.WithContext(ctx).Model(&Page{}).Where("id = ?", id).
		UpdateColumn("content", html).Error
}

// SetFolders replaces the page's folder set. Folders must belong to the
// page's site or to its root site (rootSiteID, 0 when none). primary must be
// one of folderIDs or nil.
func (r *Pages) SetFolders(ctx context.Context, page *Page, rootSiteID uint, folderIDs []uint, primary *uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var folders []Folder
		if len(folderIDs) > 0 {
			if err := tx.Where("id IN ?", folderIDs).Order("id").Find(&folders).Error; err != nil {
				return err
			}
			if len(folders) != len(uniqueIDs(folderIDs)) {
				return ErrNotFound
			}
			for _, f := range folders {
				if f.SiteID != page.SiteID && (rootSiteID == 0 || f.SiteID != rootSiteID) {
					return fmt.Errorf("%w: folder %d", ErrForeignFolder, f.ID)
				}
			}
		}
		if primary != nil && !containsID(folderIDs, *primary) {
			return errors.New("db: primary folder must be one of the page folders")
		}
		assoc := tx.Model(page).Association("Folders")
		if len(folders) == 0 {
			if err := assoc.Clear(); err != nil {
				return err
			}
		} else if err := assoc.Replace(folders); err != nil {
			return err
		}
		page.PrimaryFolderID = primary
		page.Folders = folders
		return tx.Model(&Page{}).Where("id = ?", page.ID).
			UpdateColumn("primary_folder_id", primary).Error
	})
}

// Delete removes a page and its folder associations.
func (r *Pages) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM page_folders WHERE page_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Unscoped().Delete(&Page{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func containsID(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
