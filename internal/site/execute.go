package site

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/atvirokodosprendimai/sitefleet/internal/content"
	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/dispatch"
	"github.com/atvirokodosprendimai/sitefleet/internal/fanout"
	"github.com/atvirokodosprendimai/sitefleet/internal/hostname"
	"github.com/atvirokodosprendimai/sitefleet/internal/render"
	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
)

// Execute implements dispatch.Executor.
func (s *Service) Execute(ctx context.Context, t fanout.Task) error {
	return s.ExecuteTask(ctx, t)
}

// ExecuteTask rebuilds the artifact t names and pushes it to the site's
// worker. Configuration problems come back as permanent errors. An
// unhealthy worker is not one, so the task is retried.
func (s *Service) ExecuteTask(ctx context.Context, t fanout.Task) error {
	site, err := s.sites.Get(ctx, t.SiteID)
	if errors.Is(err, db.ErrNotFound) {
		return dispatch.Permanent(fmt.Errorf("site %d: %w", t.SiteID, err))
	}
	if err != nil {
		return err
	}
	at, err := s.place(ctx, site)
	if errors.Is(err, ErrWorkerInactive) || errors.Is(err, db.ErrNotFound) {
		return dispatch.Permanent(fmt.Errorf("%s: %w", site.Domain, err))
	}
	if err != nil {
		return err
	}

	switch t.Kind {
	case fanout.TaskPage:
		err = s.executePage(ctx, site, at, t)
	case fanout.TaskHomepage:
		err = s.executeHomepage(ctx, site, at)
	case fanout.TaskCategory:
		err = s.executeCategory(ctx, site, at, t.TargetID)
	default:
		return dispatch.Permanent(fmt.Errorf("unknown task kind %q", t.Kind))
	}
	if errors.Is(err, ErrTemplateMissing) || errors.Is(err, ErrNotTemplated) {
		return dispatch.Permanent(err)
	}
	return err
}

// RecordOutcome implements dispatch.Recorder. When the last task of a batch
// finishes cleanly the deployed version advances, but only across versions
// whose batches all finished cleanly.
func (s *Service) RecordOutcome(ctx context.Context, t fanout.Task, taskErr error) {
	if t.BatchID == "" {
		return
	}
	out, err := s.batches.Record(ctx, t.BatchID, t.Key(), taskErr == nil)
	if err != nil {
		s.log.Error("record task outcome", "batch", t.BatchID, "task", t.Key(), "error", err)
		return
	}
	if !out.Complete {
		return
	}
	if out.Failed > 0 {
		s.log.Warn("batch finished with failures", "batch", t.BatchID, "site", out.SiteID, "version", out.Version, "failed", out.Failed)
		return
	}
	deployed, err := s.sites.AdvanceDeployedVersion(ctx, out.SiteID)
	if err != nil {
		s.log.Error("advance deployed version", "site", out.SiteID, "version", out.Version, "error", err)
		return
	}
	if deployed < out.Version {
		s.log.Info("batch finished behind an unfinished version", "batch", t.BatchID, "site", out.SiteID,
			"version", out.Version, "deployed", deployed)
		return
	}
	s.log.Info("batch deployed", "batch", t.BatchID, "site", out.SiteID, "version", out.Version)
}

func (s *Service) executePage(ctx context.Context, site *db.Site, at placement, t fanout.Task) error {
	page, err := s.pages.Get(ctx, t.TargetID)
	if errors.Is(err, db.ErrNotFound) {
		if t.OldPath == "" {
			return nil
		}
		_, err := s.deployer.RemovePage(ctx, at.target, spec.RemovePageRequest{
			SiteID:       site.ID,
			PagePath:     t.OldPath,
			Filename:     t.OldFilename,
			DocumentRoot: at.root,
		})
		return err
	}
	if err != nil {
		return err
	}
	return s.pushPage(ctx, site, at, page, t.OldPath, t.OldFilename)
}

// pushPage renders page and writes it to the worker.
func (s *Service) pushPage(ctx context.Context, site *db.Site, at placement, page *db.Page, oldPath, oldFilename string) error {
	html := page.Content
	if site.Templated() {
		rc, err := s.renderContext(ctx, site)
		if err != nil {
			return err
		}
		res, err := s.renderer.Render(rc.request(page))
		if err != nil {
			return err
		}
		html = res.HTML
		if res.KindApplied {
			if err := s.pages.SaveContent(ctx, page.ID, html); err != nil {
				return fmt.Errorf("cache rendered page: %w", err)
			}
		}
	}
	_, err := s.deployer.DeployPage(ctx, at.target, spec.DeployPageRequest{
		SiteID:       site.ID,
		PagePath:     page.Path,
		Filename:     page.Filename,
		Content:      html,
		DocumentRoot: at.root,
		OldPath:      oldPath,
		OldFilename:  oldFilename,
	})
	return err
}

func (s *Service) executeHomepage(ctx context.Context, site *db.Site, at placement) error {
	rc, err := s.renderContext(ctx, site)
	if err != nil {
		return err
	}
	html, err := s.renderHomepage(rc)
	if err != nil {
		return err
	}
	_, err = s.deployer.DeployPage(ctx, at.target, spec.DeployPageRequest{
		SiteID:       site.ID,
		PagePath:     "/",
		Filename:     db.DefaultFilename,
		Content:      html,
		DocumentRoot: at.root,
	})
	return err
}

func (s *Service) executeCategory(ctx context.Context, site *db.Site, at placement, folderID uint) error {
	rc, err := s.renderContext(ctx, site)
	if err != nil {
		return err
	}
	folder, ok := rc.tree[folderID]
	if !ok {
		s.log.Info("category folder gone, skipping", "site", site.Domain, "folder", folderID)
		return nil
	}
	html, err := s.renderCategory(rc, folder)
	if err != nil {
		return err
	}
	_, err = s.deployer.DeployPage(ctx, at.target, spec.DeployPageRequest{
		SiteID:       site.ID,
		PagePath:     db.FolderPath(rc.tree, folder.ID),
		Filename:     db.DefaultFilename,
		Content:      html,
		DocumentRoot: at.root,
	})
	return err
}

// renderContext is the per-site state shared by the renders of one task.
type renderContext struct {
	ctx      context.Context
	site     *db.Site
	root     *db.Site
	pkg      string
	tree     map[uint]db.Folder
	folders  map[uint]render.Folder
	settings render.Settings
}

func (s *Service) renderContext(ctx context.Context, site *db.Site) (*renderContext, error) {
	if !site.Templated() {
		return nil, ErrNotTemplated
	}
	rc := &renderContext{ctx: ctx, site: site, pkg: site.TemplatePackage}
	siteIDs := []uint{site.ID}
	if hostname.IsSubdomain(site.Domain) {
		root, err := s.sites.GetByDomain(ctx, hostname.Root(site.Domain))
		switch {
		case err == nil:
			rc.root = root
			siteIDs = append(siteIDs, root.ID)
			if rc.pkg == "" {
				rc.pkg = root.TemplatePackage
			}
		case !errors.Is(err, db.ErrNotFound):
			return nil, err
		}
	}
	if rc.pkg == "" || !s.templates.HasPackage(rc.pkg) {
		return nil, fmt.Errorf("%w: %q for %s", ErrTemplateMissing, rc.pkg, site.Domain)
	}

	tree, err := s.folders.Tree(ctx, siteIDs...)
	if err != nil {
		return nil, fmt.Errorf("load folders: %w", err)
	}
	rc.tree = tree
	rc.folders = make(map[uint]render.Folder, len(tree))
	for id, f := range tree {
		rc.folders[id] = render.Folder{ID: f.ID, ParentID: f.ParentID, Name: f.Name, Slug: f.Slug}
	}

	rc.settings = render.Settings{
		SiteName: site.Settings.SiteName,
		Domain:   site.Domain,
		Protocol: site.Protocol(),
	}
	if rc.settings.SiteName == "" {
		rc.settings.SiteName = site.Domain
	}
	if rc.root != nil {
		rc.settings.AssetDomain = rc.root.Domain
		rc.settings.AssetProtocol = rc.root.Protocol()
	}
	return rc, nil
}

func (rc *renderContext) request(page *db.Page) render.Request {
	return render.Request{
		Package: rc.pkg,
		Kind:    page.TemplateKind,
		Data:    page.TemplateData,
		Page: render.PageRef{
			Path:            page.Path,
			Title:           page.Title,
			Content:         page.Content,
			FolderIDs:       page.FolderIDs(),
			PrimaryFolderID: page.PrimaryFolderID,
		},
		Folders:  rc.folders,
		Settings: rc.settings,
	}
}

// urlFor links to a page, absolute when the page lives on another site.
func (rc *renderContext) urlFor(domains map[uint]string, p db.Page) string {
	if p.SiteID == rc.site.ID {
		return p.Path
	}
	domain, ok := domains[p.SiteID]
	if !ok {
		return p.Path
	}
	return rc.settings.Protocol + "://" + domain + p.Path
}

func itemFor(url string, p db.Page) content.Item {
	title := strings.TrimSpace(p.TemplateData.Title)
	if title == "" {
		title = p.Title
	}
	return content.Item{
		Title:   title,
		URL:     url,
		Image:   p.TemplateData.FirstImage(),
		Summary: render.Truncate(p.TemplateData.Description),
	}
}

// siteDomains maps the ids of the site and its subdomains to their domains.
func (s *Service) siteDomains(rc *renderContext) (map[uint]string, []db.Site, error) {
	domains := map[uint]string{rc.site.ID: rc.site.Domain}
	if hostname.IsSubdomain(rc.site.Domain) {
		return domains, nil, nil
	}
	subs, err := s.sites.ListSubdomains(rc.ctx, rc.site.Domain)
	if err != nil {
		return nil, nil, fmt.Errorf("list subdomains: %w", err)
	}
	for _, sub := range subs {
		domains[sub.ID] = sub.Domain
	}
	return domains, subs, nil
}

// renderHomepage builds the site's index from its own pages, the pages of
// its subdomains and one section per top-level folder. A page stored at "/"
// provides the base document.
func (s *Service) renderHomepage(rc *renderContext) (string, error) {
	pages, err := s.pages.ListBySite(rc.ctx, rc.site.ID)
	if err != nil {
		return "", fmt.Errorf("list pages: %w", err)
	}
	domains, subs, err := s.siteDomains(rc)
	if err != nil {
		return "", err
	}

	data := content.TemplateData{Title: rc.settings.SiteName, Description: rc.site.Settings.Tagline}
	ref := render.PageRef{Path: "/", Title: rc.settings.SiteName}
	var featured []content.Item
	for _, p := range pages {
		if p.Path == "/" {
			data = p.TemplateData
			data.Detail, data.Listing = nil, nil
			ref.Title = p.Title
			continue
		}
		featured = append(featured, itemFor(p.Path, p))
	}
	for _, sub := range subs {
		subPages, err := s.pages.ListBySite(rc.ctx, sub.ID)
		if err != nil {
			return "", fmt.Errorf("list pages of %s: %w", sub.Domain, err)
		}
		for _, p := range subPages {
			featured = append(featured, itemFor(rc.urlFor(domains, p), p))
		}
	}

	home := data.Home
	if home == nil {
		home = &content.Home{}
	}
	if home.Tagline == "" {
		home.Tagline = rc.site.Settings.Tagline
	}
	if len(home.Featured) == 0 {
		home.Featured = featured
	}
	if len(home.Sections) == 0 {
		for _, f := range topLevel(rc.tree, rc.site.ID) {
			inFolder, err := s.pages.ListInFolder(rc.ctx, f.ID)
			if err != nil {
				return "", fmt.Errorf("list folder %d: %w", f.ID, err)
			}
			section := content.Section{Title: f.Name, URL: db.FolderPath(rc.tree, f.ID)}
			for _, p := range inFolder {
				section.Items = append(section.Items, itemFor(rc.urlFor(domains, p), p))
			}
			home.Sections = append(home.Sections, section)
		}
	}
	data.Home = home
	if data.Title == "" {
		data.Title = rc.settings.SiteName
	}
	data.Breadcrumb = []string{"Home"}

	res, err := s.renderer.Render(render.Request{
		Package:  rc.pkg,
		Kind:     content.KindHome,
		Data:     data,
		Page:     ref,
		Folders:  rc.folders,
		Settings: rc.settings,
	})
	if err != nil {
		return "", err
	}
	return res.HTML, nil
}

// renderCategory builds a folder's listing page: child folders first, then
// the pages of every site filed under the folder.
func (s *Service) renderCategory(rc *renderContext, folder db.Folder) (string, error) {
	inFolder, err := s.pages.ListInFolder(rc.ctx, folder.ID)
	if err != nil {
		return "", fmt.Errorf("list folder %d: %w", folder.ID, err)
	}
	domains, _, err := s.siteDomains(rc)
	if err != nil {
		return "", err
	}
	listing := &content.Listing{Heading: folder.Name}
	for _, child := range children(rc.tree, folder.ID) {
		listing.Items = append(listing.Items, content.Item{
			Title:   child.Name,
			URL:     db.FolderPath(rc.tree, child.ID),
			Summary: render.Truncate(child.Description),
		})
	}
	for _, p := range inFolder {
		listing.Items = append(listing.Items, itemFor(rc.urlFor(domains, p), p))
	}

	ref := render.PageRef{Path: db.FolderPath(rc.tree, folder.ID) + "/", Title: folder.Name}
	data := content.TemplateData{Title: folder.Name, Description: folder.Description, Listing: listing}
	if folder.ParentID != nil {
		ref.FolderIDs = []uint{*folder.ParentID}
	} else {
		data.Breadcrumb = []string{"Home", folder.Name}
		data.BreadcrumbPaths = []string{"/", ""}
	}

	res, err := s.renderer.Render(render.Request{
		Package:  rc.pkg,
		Kind:     content.KindListing,
		Data:     data,
		Page:     ref,
		Folders:  rc.folders,
		Settings: rc.settings,
	})
	if err != nil {
		return "", err
	}
	return res.HTML, nil
}

func topLevel(tree map[uint]db.Folder, siteID uint) []db.Folder {
	var out []db.Folder
	for _, f := range tree {
		if f.SiteID == siteID && f.ParentID == nil {
			out = append(out, f)
		}
	}
	sortFolders(out)
	return out
}

func children(tree map[uint]db.Folder, parent uint) []db.Folder {
	var out []db.Folder
	for _, f := range tree {
		if f.ParentID != nil && *f.ParentID == parent {
			out = append(out, f)
		}
	}
	sortFolders(out)
	return out
}

func sortFolders(fs []db.Folder) {
	slices.SortFunc(fs, func(a, b db.Folder) int { return cmp.Compare(a.ID, b.ID) })
}
