package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/atvirokodosprendimai/sitefleet/internal/slug"
	"gorm.io/gorm"
)

// Folders persists the per-site folder tree.
type Folders struct {
	db *gorm.DB
}

// NewFolders returns a Folder repository.
func NewFolders(db *gorm.DB) *Folders {
	return &Folders{db: db}
}

// Get loads a folder by id.
func (r *Folders) Get(ctx context.Context, id uint) (*Folder, error) {
	var f Folder
	if err := r.db.WithContext(ctx).First(&f, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// ListBySite returns a site's folders in creation order.
func (r *Folders) ListBySite(ctx context.Context, siteID uint) ([]Folder, error) {
	var folders []Folder
	err := r.db.WithContext(ctx).Where("site_id = ?", siteID).Order("id").Find(&folders).Error
	return folders, err
}

// IDsBySite returns the ids of a site's folders in creation order.
func (r *Folders) IDsBySite(ctx context.Context, siteID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&Folder{}).Where("site_id = ?", siteID).Order("id").Pluck("id", &ids).Error
	return ids, err
}

// Tree returns the folders of the given sites keyed by id.
func (r *Folders) Tree(ctx context.Context, siteIDs ...uint) (map[uint]Folder, error) {
	var folders []Folder
	if err := r.db.WithContext(ctx).Where("site_id IN ?", siteIDs).Find(&folders).Error; err != nil {
		return nil, err
	}
	tree := make(map[uint]Folder, len(folders))
	for _, f := range folders {
		tree[f.ID] = f
	}
	return tree, nil
}

// Create assigns a unique slug and inserts the folder.
func (r *Folders) Create(ctx context.Context, folder *Folder) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if folder.ParentID != nil {
			if err := checkParent(tx, folder.SiteID, 0, *folder.ParentID); err != nil {
				return err
			}
		}
		s, err := r.uniqueSlug(tx, folder.SiteID, 0, folder.Slug, folder.Name)
		if err != nil {
			return err
		}
		folder.Slug = s
		return tx.Create(folder).Error
	})
}

// Update saves name, slug, description and parent, rejecting cycles.
func (r *Folders) Update(ctx context.Context, folder *Folder) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if folder.ParentID != nil {
			if err := checkParent(tx, folder.SiteID, folder.ID, *folder.ParentID); err != nil {
				return err
			}
		}
		s, err := r.uniqueSlug(tx, folder.SiteID, folder.ID, folder.Slug, folder.Name)
		if err != nil {
			return err
		}
		folder.Slug = s
		return tx.Model(&Folder{}).Where("id = ?", folder.ID).Updates(map[string]any{
			"name":        folder.Name,
			"slug":        folder.Slug,
			"description": folder.Description,
			"parent_id":   folder.ParentID,
		}).Error
	})
}

func (r *Folders) uniqueSlug(tx *gorm.DB, siteID, selfID uint, requested, name string) (string, error) {
	base := strings.TrimSpace(requested)
	if base == "" {
		base = name
	}
	return slug.Unique(slug.Make(base), func(candidate string) (bool, error) {
		var count int64
		q := tx.Model(&Folder{}).Where("site_id = ? AND slug = ?", siteID, candidate)
		if selfID != 0 {
			q = q.Where("id <> ?", selfID)
		}
		if err := q.Count(&count).Error; err != nil {
			return false, err
		}
		return count > 0, nil
	})
}

// checkParent walks from parentID to the root. Reaching selfID, or walking
// more steps than the site has folders, means the assignment would cycle.
func checkParent(tx *gorm.DB, siteID, selfID, parentID uint) error {
	if selfID != 0 && parentID == selfID {
		return ErrFolderCycle
	}
	var folders []Folder
	if err := tx.Where("site_id = ?", siteID).Find(&folders).Error; err != nil {
		return err
	}
	byID := make(map[uint]Folder, len(folders))
	for _, f := range folders {
		byID[f.ID] = f
	}
	if _, ok := byID[parentID]; !ok {
		return fmt.Errorf("%w: parent folder %d", ErrNotFound, parentID)
	}
	current := parentID
	for steps := 0; ; steps++ {
		if steps > len(byID) {
			return ErrFolderCycle
		}
		if selfID != 0 && current == selfID {
			return ErrFolderCycle
		}
		f, ok := byID[current]
		if !ok || f.ParentID == nil {
			return nil
		}
		current = *f.ParentID
	}
}

// Path returns "/" joined ancestor slugs, root first.
func (r *Folders) Path(ctx context.Context, id uint) (string, error) {
	f, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	tree, err := r.Tree(ctx, f.SiteID)
	if err != nil {
		return "", err
	}
	return FolderPath(tree, id), nil
}

// FolderPath computes a folder path from an in-memory tree. The walk stops
// after len(tree) steps so a corrupt tree cannot loop.
func FolderPath(tree map[uint]Folder, id uint) string {
	chain := Ancestors(tree, id)
	if len(chain) == 0 {
		return ""
	}
	slugs := make([]string, len(chain))
	for i, f := range chain {
		slugs[i] = f.Slug
	}
	return "/" + strings.Join(slugs, "/")
}

// Ancestors returns the chain root..id (inclusive).
func Ancestors(tree map[uint]Folder, id uint) []Folder {
	var chain []Folder
	current, ok := tree[id]
	for steps := 0; ok && steps <= len(tree); steps++ {
		chain = append(chain, current)
		if current.ParentID == nil {
			break
		}
		current, ok = tree[*current.ParentID]
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Delete removes a leaf folder after detaching its pages. Folders with
// children are rejected.
func (r *Folders) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var children int64
		if err := tx.Model(&Folder{}).Where("parent_id = ?", id).Count(&children).Error; err != nil {
			return err
		}
		if children > 0 {
			return ErrFolderHasChildren
		}
		if err := tx.Exec("DELETE FROM page_folders WHERE folder_id = ?", id).Error; err != nil {
			return fmt.Errorf("detach pages: %w", err)
		}
		if err := tx.Model(&Page{}).Where("primary_folder_id = ?", id).
			UpdateColumn("primary_folder_id", nil).Error; err != nil {
			return fmt.Errorf("clear primary folder: %w", err)
		}
		res := tx.Unscoped().Delete(&Folder{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
