package site

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atvirokodosprendimai/sitefleet/internal/content"
	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/fanout"
	"github.com/atvirokodosprendimai/sitefleet/internal/hostname"
	"gorm.io/gorm"
)

// Change describes the effect of one content mutation.
type Change struct {
	// Version is the site's content version after the mutation.
	Version int64
	// BatchID is empty when nothing was enqueued.
	BatchID string
	Tasks   []fanout.Task
}

// PageInput carries the editable fields of a page.
type PageInput struct {
	SiteID          uint
	Path            string
	Filename        string
	Title           string
	TemplateKind    content.Kind
	TemplateData    content.TemplateData
	Content         string
	FolderIDs       []uint
	PrimaryFolderID *uint
}

// FolderInput carries the editable fields of a folder.
type FolderInput struct {
	SiteID      uint
	ParentID    *uint
	Name        string
	Slug        string
	Description string
}

// ValidationError marks input rejected before anything was persisted.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error) error {
	return &ValidationError{Err: err}
}

func (in PageInput) validate() (content.Kind, error) {
	kind, err := content.ParseKind(string(in.TemplateKind))
	if err != nil {
		return "", invalid(err)
	}
	if err := db.ValidatePagePath(in.Path); err != nil {
		return "", invalid(err)
	}
	if in.Filename != "" {
		if err := db.ValidateFilename(in.Filename); err != nil {
			return "", invalid(err)
		}
	}
	if err := in.TemplateData.Validate(kind); err != nil {
		return "", invalid(err)
	}
	return kind, nil
}

// rootSiteID returns the id of the site a subdomain's folders may come from,
// or 0 when there is none.
func (s *Service) rootSiteID(ctx context.Context, site *db.Site) (uint, error) {
	if !hostname.IsSubdomain(site.Domain) {
		return 0, nil
	}
	root, err := s.sites.GetByDomain(ctx, hostname.Root(site.Domain))
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return root.ID, nil
}

// CreatePage validates and stores a page, then fans the change out.
func (s *Service) CreatePage(ctx context.Context, in PageInput) (*db.Page, Change, error) {
	kind, err := in.validate()
	if err != nil {
		return nil, Change{}, err
	}
	site, err := s.sites.Get(ctx, in.SiteID)
	if err != nil {
		return nil, Change{}, err
	}
	rootID, err := s.rootSiteID(ctx, site)
	if err != nil {
		return nil, Change{}, err
	}

	page := &db.Page{
		SiteID:       site.ID,
		Path:         in.Path,
		Filename:     in.Filename,
		Title:        in.Title,
		TemplateKind: kind,
		TemplateData: in.TemplateData,
		Content:      in.Content,
	}
	var version int64
	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pages := db.NewPages(tx)
		if err := pages.Create(ctx, page); err != nil {
			return err
		}
		if err := pages.SetFolders(ctx, page, rootID, in.FolderIDs, in.PrimaryFolderID); err != nil {
			return err
		}
		version, err = db.NewSites(tx).BumpContentVersion(ctx, site.ID)
		return err
	})
	if err != nil {
		return nil, Change{}, fmt.Errorf("create page: %w", err)
	}

	change, err := s.fanOut(ctx, site, version, fanout.PageChanged{Site: *site, PageID: page.ID})
	return page, change, err
}

// UpdatePage replaces a page's fields and folder set. A changed path or
// filename makes the worker remove the old file.
func (s *Service) UpdatePage(ctx context.Context, id uint, in PageInput) (*db.Page, Change, error) {
	kind, err := in.validate()
	if err != nil {
		return nil, Change{}, err
	}
	page, err := s.pages.Get(ctx, id)
	if err != nil {
		return nil, Change{}, err
	}
	site, err := s.sites.Get(ctx, page.SiteID)
	if err != nil {
		return nil, Change{}, err
	}
	rootID, err := s.rootSiteID(ctx, site)
	if err != nil {
		return nil, Change{}, err
	}

	ev := fanout.PageChanged{Site: *site, PageID: page.ID, PreviousFolderIDs: page.FolderIDs()}
	filename := in.Filename
	if filename == "" {
		filename = db.DefaultFilename
	}
	if page.Path != in.Path || page.Filename != filename {
		ev.OldPath, ev.OldFilename = page.Path, page.Filename
	}

	page.Path = in.Path
	page.Filename = filename
	page.Title = in.Title
	page.TemplateKind = kind
	page.TemplateData = in.TemplateData
	page.Content = in.Content

	var version int64
	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pages := db.NewPages(tx)
		if err := pages.Update(ctx, page); err != nil {
			return err
		}
		if err := pages.SetFolders(ctx, page, rootID, in.FolderIDs, in.PrimaryFolderID); err != nil {
			return err
		}
		version, err = db.NewSites(tx).BumpContentVersion(ctx, site.ID)
		return err
	})
	if err != nil {
		return nil, Change{}, fmt.Errorf("update page: %w", err)
	}

	change, err := s.fanOut(ctx, site, version, ev)
	return page, change, err
}

// SetPageFolders replaces only the folder set of a page.
func (s *Service) SetPageFolders(ctx context.Context, id uint, folderIDs []uint, primary *uint) (Change, error) {
	page, err := s.pages.Get(ctx, id)
	if err != nil {
		return Change{}, err
	}
	site, err := s.sites.Get(ctx, page.SiteID)
	if err != nil {
		return Change{}, err
	}
	rootID, err := s.rootSiteID(ctx, site)
	if err != nil {
		return Change{}, err
	}
	previous := page.FolderIDs()

	var version int64
	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.NewPages(tx).SetFolders(ctx, page, rootID, folderIDs, primary); err != nil {
			return err
		}
		version, err = db.NewSites(tx).BumpContentVersion(ctx, site.ID)
		return err
	})
	if err != nil {
		return Change{}, fmt.Errorf("set page folders: %w", err)
	}
	return s.fanOut(ctx, site, version, fanout.PageChanged{Site: *site, PageID: page.ID, PreviousFolderIDs: previous})
}

// DeletePage removes a page and schedules removal of its file.
func (s *Service) DeletePage(ctx context.Context, id uint) (Change, error) {
	page, err := s.pages.Get(ctx, id)
	if err != nil {
		return Change{}, err
	}
	site, err := s.sites.Get(ctx, page.SiteID)
	if err != nil {
		return Change{}, err
	}

	var version int64
	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.NewPages(tx).Delete(ctx, page.ID); err != nil {
			return err
		}
		version, err = db.NewSites(tx).BumpContentVersion(ctx, site.ID)
		return err
	})
	if err != nil {
		return Change{}, fmt.Errorf("delete page: %w", err)
	}
	return s.fanOut(ctx, site, version, fanout.PageDeleted{
		Site:      *site,
		PageID:    page.ID,
		Path:      page.Path,
		Filename:  page.Filename,
		FolderIDs: page.FolderIDs(),
	})
}

func (in FolderInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid(errors.New("folder name required"))
	}
	return nil
}

// CreateFolder adds a folder to a site's tree.
func (s *Service) CreateFolder(ctx context.Context, in FolderInput) (*db.Folder, Change, error) {
	if err := in.validate(); err != nil {
		return nil, Change{}, err
	}
	site, err := s.sites.Get(ctx, in.SiteID)
	if err != nil {
		return nil, Change{}, err
	}
	folder := &db.Folder{
		SiteID:      site.ID,
		ParentID:    in.ParentID,
		Name:        strings.TrimSpace(in.Name),
		Slug:        in.Slug,
		Description: in.Description,
	}
	var version int64
	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.NewFolders(tx).Create(ctx, folder); err != nil {
			return err
		}
		version, err = db.NewSites(tx).BumpContentVersion(ctx, site.ID)
		return err
	})
	if err != nil {
		return nil, Change{}, fmt.Errorf("create folder: %w", err)
	}
	change, err := s.fanOut(ctx, site, version, fanout.FolderChanged{Site: *site, FolderID: folder.ID})
	return folder, change, err
}

// UpdateFolder renames or re-parents a folder.
func (s *Service) UpdateFolder(ctx context.Context, id uint, in FolderInput) (*db.Folder, Change, error) {
	if err := in.validate(); err != nil {
		return nil, Change{}, err
	}
	folder, err := s.folders.Get(ctx, id)
	if err != nil {
		return nil, Change{}, err
	}
	site, err := s.sites.Get(ctx, folder.SiteID)
	if err != nil {
		return nil, Change{}, err
	}
	folder.ParentID = in.ParentID
	folder.Name = strings.TrimSpace(in.Name)
	folder.Slug = in.Slug
	folder.Description = in.Description

	var version int64
	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.NewFolders(tx).Update(ctx, folder); err != nil {
			return err
		}
		version, err = db.NewSites(tx).BumpContentVersion(ctx, site.ID)
		return err
	})
	if err != nil {
		return nil, Change{}, fmt.Errorf("update folder: %w", err)
	}
	change, err := s.fanOut(ctx, site, version, fanout.FolderChanged{Site: *site, FolderID: folder.ID})
	return folder, change, err
}

// DeleteFolder removes a leaf folder.
func (s *Service) DeleteFolder(ctx context.Context, id uint) (Change, error) {
	folder, err := s.folders.Get(ctx, id)
	if err != nil {
		return Change{}, err
	}
	site, err := s.sites.Get(ctx, folder.SiteID)
	if err != nil {
		return Change{}, err
	}
	var version int64
	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.NewFolders(tx).Delete(ctx, folder.ID); err != nil {
			return err
		}
		version, err = db.NewSites(tx).BumpContentVersion(ctx, site.ID)
		return err
	})
	if err != nil {
		return Change{}, fmt.Errorf("delete folder: %w", err)
	}
	return s.fanOut(ctx, site, version, fanout.FolderDeleted{Site: *site, FolderID: folder.ID})
}

// UpdateSettings replaces the site settings and rebuilds every listing.
func (s *Service) UpdateSettings(ctx context.Context, siteID uint, settings db.SiteSettings) (Change, error) {
	switch settings.Protocol {
	case "", "http", "https":
	default:
		return Change{}, invalid(fmt.Errorf("unsupported protocol %q", settings.Protocol))
	}
	site, err := s.sites.Get(ctx, siteID)
	if err != nil {
		return Change{}, err
	}
	var version int64
	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.NewSites(tx).UpdateSettings(ctx, site.ID, settings); err != nil {
			return err
		}
		version, err = db.NewSites(tx).BumpContentVersion(ctx, site.ID)
		return err
	})
	if err != nil {
		return Change{}, fmt.Errorf("update settings: %w", err)
	}
	site.Settings = settings
	return s.fanOut(ctx, site, version, fanout.SettingsChanged{Site: *site})
}

// fanOut plans ev, opens a batch for the resulting tasks and enqueues them.
// The content change is already committed; a planning or enqueue failure
// leaves the site with pending changes for the next full deploy.
func (s *Service) fanOut(ctx context.Context, site *db.Site, version int64, ev fanout.Event) (Change, error) {
	change := Change{Version: version}
	tasks, err := s.planner.Plan(ctx, ev)
	if err != nil {
		return change, fmt.Errorf("%w: plan: %w", ErrFanOut, err)
	}
	if len(tasks) == 0 && fanout.Eligible(*site) {
		return change, s.settleEmpty(ctx, site, version)
	}
	if len(tasks) == 0 || s.queue == nil {
		return change, nil
	}

	keys := make([]string, len(tasks))
	for i, t := range tasks {
		keys[i] = t.Key()
	}
	batchID, err := s.batches.Open(ctx, site.ID, version, keys)
	if err != nil {
		return change, fmt.Errorf("%w: open batch: %w", ErrFanOut, err)
	}
	for i := range tasks {
		tasks[i].BatchID = batchID
	}
	if err := s.queue.Enqueue(ctx, tasks); err != nil {
		return change, fmt.Errorf("%w: enqueue: %w", ErrFanOut, err)
	}
	s.log.Info("fan-out enqueued", "site", site.Domain, "version", version, "batch", batchID, "tasks", len(tasks))
	change.BatchID = batchID
	change.Tasks = tasks
	return change, nil
}

// settleEmpty records a version that has nothing to publish as a finished
// batch so later batches can advance past it.
func (s *Service) settleEmpty(ctx context.Context, site *db.Site, version int64) error {
	if _, err := s.batches.Open(ctx, site.ID, version, nil); err != nil {
		return fmt.Errorf("%w: open batch: %w", ErrFanOut, err)
	}
	if _, err := s.sites.AdvanceDeployedVersion(ctx, site.ID); err != nil {
		s.log.Warn("advance deployed version", "site", site.Domain, "version", version, "error", err)
	}
	return nil
}
