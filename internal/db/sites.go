package db

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/sitefleet/internal/hostname"
	"gorm.io/gorm"
)

// Sites persists Site rows and their version counters.
type Sites struct {
	db *gorm.DB
}

// NewSites returns a Site repository.
func NewSites(db *gorm.DB) *Sites {
	return &Sites{db: db}
}

// Create normalises the domain and inserts the site.
func (r *Sites) Create(ctx context.Context, site *Site) error {
	domain, err := hostname.Normalize(site.Domain)
	if err != nil {
		return err
	}
	site.Domain = domain
	if site.Status == "" {
		site.Status = SiteDraft
	}
	if site.Kind == "" {
		site.Kind = KindTemplated
	}
	return r.db.WithContext(ctx).Create(site).Error
}

// Get loads a site by id.
func (r *Sites) Get(ctx context.Context, id uint) (*Site, error) {
	var site Site
	if err := r.db.WithContext(ctx).First(&site, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &site, nil
}

// GetByDomain loads a site by domain.
func (r *Sites) GetByDomain(ctx context.Context, domain string) (*Site, error) {
	normalized, err := hostname.Normalize(domain)
	if err != nil {
		return nil, err
	}
	var site Site
	if err := r.db.WithContext(ctx).Where("domain = ?", normalized).First(&site).Error; err != nil {
		return nil, notFound(err)
	}
	return &site, nil
}

// List returns all sites ordered by domain.
func (r *Sites) List(ctx context.Context) ([]Site, error) {
	var sites []Site
	err := r.db.WithContext(ctx).Order("domain").Find(&sites).Error
	return sites, err
}

// FindRoot resolves the deployed, templated root site owning a subdomain.
func (r *Sites) FindRoot(ctx context.Context, domain string) (*Site, error) {
	if !hostname.IsSubdomain(domain) {
		return nil, ErrNotFound
	}
	var site Site
	err := r.db.WithContext(ctx).
		Where("domain = ? AND kind = ? AND status = ?", hostname.Root(domain), KindTemplated, SiteDeployed).
		First(&site).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &site, nil
}

// ListSubdomains returns templated sites hosted under root.
func (r *Sites) ListSubdomains(ctx context.Context, root string) ([]Site, error) {
	var candidates []Site
	err := r.db.WithContext(ctx).
		Where("domain LIKE ? AND kind = ?", "%."+root, KindTemplated).
		Order("domain").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, s := range candidates {
		if hostname.IsChildOf(s.Domain, root) {
			out = append(out, s)
		}
	}
	return out, nil
}

// BumpContentVersion increments the content counter and returns the new value.
func (r *Sites) BumpContentVersion(ctx context.Context, id uint) (int64, error) {
	var version int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Site{}).Where("id = ?", id).
			UpdateColumn("content_version", gorm.Expr("content_version + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Model(&Site{}).Where("id = ?", id).Pluck("content_version", &version).Error
	})
	return version, err
}

// BeginDeploy atomically moves the site into deploying. A site already
// deploying yields ErrDeployInProgress.
func (r *Sites) BeginDeploy(ctx context.Context, id uint) (*Site, error) {
	res := r.db.WithContext(ctx).Model(&Site{}).
		Where("id = ? AND status <> ?", id, SiteDeploying).
		UpdateColumn("status", SiteDeploying)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrDeployInProgress
	}
	return r.Get(ctx, id)
}

// advanceExpr raises deployed_version to v, never past content_version.
func advanceExpr(v int64) any {
	return gorm.Expr("CASE WHEN ? > deployed_version AND ? <= content_version THEN ? ELSE deployed_version END", v, v, v)
}

// FinishDeploy marks a full deploy of version as live.
func (r *Sites) FinishDeploy(ctx context.Context, id uint, version int64) error {
	return r.db.WithContext(ctx).Model(&Site{}).Where("id = ?", id).
		UpdateColumns(map[string]any{
			"status":           SiteDeployed,
			"deployed_version": advanceExpr(version),
		}).Error
}

// AdvanceDeployedVersion walks the versions after the deployed one in order
// and raises deployed_version past each version whose batches all finished
// without failures. A version with no batch, or with a pending or failed
// task, stops the walk. It returns the resulting deployed version.
func (r *Sites) AdvanceDeployedVersion(ctx context.Context, id uint) (int64, error) {
	var deployed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var site Site
		if err := tx.Select("id", "content_version", "deployed_version").First(&site, id).Error; err != nil {
			return notFound(err)
		}
		deployed = site.DeployedVersion

		var versions []struct {
			Version    int64
			Unfinished int64
		}
		err := tx.Model(&DeployBatch{}).
			Select("deploy_batches.version AS version, COUNT(batch_tasks.task_key) AS unfinished").
			Joins("LEFT JOIN batch_tasks ON batch_tasks.batch_id = deploy_batches.id AND batch_tasks.status <> ?", TaskDone).
			Where("deploy_batches.site_id = ? AND deploy_batches.version > ? AND deploy_batches.version <= ?",
				id, site.DeployedVersion, site.ContentVersion).
			Group("deploy_batches.version").
			Order("deploy_batches.version").
			Scan(&versions).Error
		if err != nil {
			return err
		}

		next := site.DeployedVersion
		for _, v := range versions {
			if v.Version != next+1 || v.Unfinished > 0 {
				break
			}
			next = v.Version
		}
		if next == site.DeployedVersion {
			return nil
		}
		res := tx.Model(&Site{}).Where("id = ? AND deployed_version = ?", id, site.DeployedVersion).
			UpdateColumn("deployed_version", next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			deployed = next
		}
		return nil
	})
	return deployed, err
}

// SetStatus overwrites the site status.
func (r *Sites) SetStatus(ctx context.Context, id uint, status string) error {
	return r.db.WithContext(ctx).Model(&Site{}).Where("id = ?", id).
		UpdateColumn("status", status).Error
}

// SetTLS records whether a certificate is installed.
func (r *Sites) SetTLS(ctx context.Context, id uint, enabled bool) error {
	return r.db.WithContext(ctx).Model(&Site{}).Where("id = ?", id).
		UpdateColumn("tls_enabled", enabled).Error
}

// UpdateSettings replaces the settings document.
func (r *Sites) UpdateSettings(ctx context.Context, id uint, settings SiteSettings) error {
	res := r.db.WithContext(ctx).Model(&Site{Model: gorm.Model{ID: id}}).
		Select("Settings").Updates(&Site{Settings: settings})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the site with its pages, folders and batches. Pages go
// before the site row so foreign keys stay satisfied.
func (r *Sites) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pageIDs := tx.Model(&Page{}).Select("id").Where("site_id = ?", id)
		if err := tx.Exec("DELETE FROM page_folders WHERE page_id IN (?)", pageIDs).Error; err != nil {
			return fmt.Errorf("detach pages: %w", err)
		}
		folderIDs := tx.Model(&Folder{}).Select("id").Where("site_id = ?", id)
		if err := tx.Exec("DELETE FROM page_folders WHERE folder_id IN (?)", folderIDs).Error; err != nil {
			return fmt.Errorf("detach folders: %w", err)
		}
		if err := tx.Unscoped().Where("site_id = ?", id).Delete(&Page{}).Error; err != nil {
			return fmt.Errorf("delete pages: %w", err)
		}
		if err := tx.Model(&Page{}).Where("primary_folder_id IN (?)", folderIDs).
			UpdateColumn("primary_folder_id", nil).Error; err != nil {
			return fmt.Errorf("clear primary folders: %w", err)
		}
		if err := tx.Unscoped().Where("site_id = ?", id).Delete(&Folder{}).Error; err != nil {
			return fmt.Errorf("delete folders: %w", err)
		}
		batchIDs := tx.Model(&DeployBatch{}).Select("id").Where("site_id = ?", id)
		if err := tx.Where("batch_id IN (?)", batchIDs).Delete(&BatchTask{}).Error; err != nil {
			return fmt.Errorf("delete batch tasks: %w", err)
		}
		if err := tx.Where("site_id = ?", id).Delete(&DeployBatch{}).Error; err != nil {
			return fmt.Errorf("delete batches: %w", err)
		}
		res := tx.Unscoped().Delete(&Site{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
