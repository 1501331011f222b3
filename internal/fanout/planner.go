// Package fanout decides which artifacts must be rebuilt after a content
// change. It is the only place that knows how site kind, status and domain
// shape combine into deployment tasks.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/hostname"
)

// TaskKind names the artifact a task rebuilds.
type TaskKind string

// Task kinds.
const (
	TaskPage     TaskKind = "page"
	TaskHomepage TaskKind = "homepage"
	TaskCategory TaskKind = "category"
)

// Task identifies one artifact to rebuild. TargetID is the page id for page
// tasks, the folder id for category tasks and zero for homepages.
type Task struct {
	SiteID      uint     `json:"site_id"`
	Kind        TaskKind `json:"kind"`
	TargetID    uint     `json:"target_id"`
	OldPath     string   `json:"old_path,omitempty"`
	OldFilename string   `json:"old_filename,omitempty"`
	BatchID     string   `json:"batch_id,omitempty"`
}

// Key is the dedup identity of the task within one batch.
func (t Task) Key() string {
	return fmt.Sprintf("%d:%s:%d", t.SiteID, t.Kind, t.TargetID)
}

// Event is a content change fed to the planner.
type Event interface {
	event()
}

// PageChanged reports a created or updated page. OldPath and OldFilename are
// set when the page moved; PreviousFolderIDs lists folders the page left.
type PageChanged struct {
	Site              db.Site
	PageID            uint
	OldPath           string
	OldFilename       string
	PreviousFolderIDs []uint
}

// PageDeleted reports a removed page. Path and Filename locate the artifact
// that has to disappear from the worker.
type PageDeleted struct {
	Site      db.Site
	PageID    uint
	Path      string
	Filename  string
	FolderIDs []uint
}

// FolderChanged reports a created, renamed or re-parented folder.
type FolderChanged struct {
	Site     db.Site
	FolderID uint
}

// FolderDeleted reports a removed folder.
type FolderDeleted struct {
	Site     db.Site
	FolderID uint
}

// SettingsChanged reports an update to the site settings document.
type SettingsChanged struct {
	Site db.Site
}

func (PageChanged) event()     {}
func (PageDeleted) event()     {}
func (FolderChanged) event()   {}
func (FolderDeleted) event()   {}
func (SettingsChanged) event() {}

// Directory is the read access the planner needs.
type Directory interface {
	// RootSite returns the templated, deployed root of a subdomain, or
	// db.ErrNotFound.
	RootSite(ctx context.Context, domain string) (*db.Site, error)
	// PageFolderIDs returns the folders of a page, lowest id first.
	PageFolderIDs(ctx context.Context, pageID uint) ([]uint, error)
	// SiteFolderIDs returns every folder of a site, lowest id first.
	SiteFolderIDs(ctx context.Context, siteID uint) ([]uint, error)
}

// Planner turns events into ordered, deduplicated task lists.
type Planner struct {
	dir Directory
}

// NewPlanner returns a Planner reading from dir.
func NewPlanner(dir Directory) *Planner {
	return &Planner{dir: dir}
}

// Eligible reports whether changes on site produce any fan-out at all.
func Eligible(site db.Site) bool {
	return site.Templated() && site.Status == db.SiteDeployed
}

// Plan computes the tasks for ev in emission order.
func (p *Planner) Plan(ctx context.Context, ev Event) ([]Task, error) {
	var b batch
	switch e := ev.(type) {
	case PageChanged:
		if !Eligible(e.Site) {
			return nil, nil
		}
		folders, err := p.dir.PageFolderIDs(ctx, e.PageID)
		if err != nil {
			return nil, fmt.Errorf("page folders: %w", err)
		}
		b.add(Task{SiteID: e.Site.ID, Kind: TaskPage, TargetID: e.PageID, OldPath: e.OldPath, OldFilename: e.OldFilename})
		folders = append(folders, e.PreviousFolderIDs...)
		if err := p.derived(ctx, &b, e.Site, folders); err != nil {
			return nil, err
		}
	case PageDeleted:
		if !Eligible(e.Site) {
			return nil, nil
		}
		b.add(Task{SiteID: e.Site.ID, Kind: TaskPage, TargetID: e.PageID, OldPath: e.Path, OldFilename: e.Filename})
		if err := p.derived(ctx, &b, e.Site, e.FolderIDs); err != nil {
			return nil, err
		}
	case FolderChanged:
		if !Eligible(e.Site) || hostname.IsSubdomain(e.Site.Domain) {
			return nil, nil
		}
		b.add(Task{SiteID: e.Site.ID, Kind: TaskHomepage})
		b.add(Task{SiteID: e.Site.ID, Kind: TaskCategory, TargetID: e.FolderID})
	case FolderDeleted:
		if !Eligible(e.Site) || hostname.IsSubdomain(e.Site.Domain) {
			return nil, nil
		}
		b.add(Task{SiteID: e.Site.ID, Kind: TaskHomepage})
	case SettingsChanged:
		if !Eligible(e.Site) {
			return nil, nil
		}
		folders, err := p.dir.SiteFolderIDs(ctx, e.Site.ID)
		if err != nil {
			return nil, fmt.Errorf("site folders: %w", err)
		}
		b.add(Task{SiteID: e.Site.ID, Kind: TaskHomepage})
		for _, id := range folders {
			b.add(Task{SiteID: e.Site.ID, Kind: TaskCategory, TargetID: id})
		}
	default:
		return nil, fmt.Errorf("fanout: unknown event %T", ev)
	}
	return b.tasks, nil
}

// derived adds the homepage and category tasks a page change implies. A
// subdomain page propagates to its root site; a subdomain without a
// deployed root gets no derived tasks.
func (p *Planner) derived(ctx context.Context, b *batch, site db.Site, folders []uint) error {
	owner := site.ID
	if hostname.IsSubdomain(site.Domain) {
		root, err := p.dir.RootSite(ctx, site.Domain)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("root site: %w", err)
		}
		if !Eligible(*root) {
			return nil
		}
		owner = root.ID
	}
	b.add(Task{SiteID: owner, Kind: TaskHomepage})
	for _, id := range folders {
		b.add(Task{SiteID: owner, Kind: TaskCategory, TargetID: id})
	}
	return nil
}

type batch struct {
	tasks []Task
	seen  map[string]struct{}
}

func (b *batch) add(t Task) {
	if b.seen == nil {
		b.seen = make(map[string]struct{})
	}
	k := t.Key()
	if _, dup := b.seen[k]; dup {
		return
	}
	b.seen[k] = struct{}{}
	b.tasks = append(b.tasks, t)
}

// Dedup collapses tasks sharing a key, keeping the first occurrence.
func Dedup(tasks []Task) []Task {
	var b batch
	for _, t := range tasks {
		b.add(t)
	}
	return b.tasks
}
