package api

import (
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/content"
	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/dispatch"
	"github.com/atvirokodosprendimai/sitefleet/internal/site"
)

type siteView struct {
	ID              uint            `json:"id"`
	Domain          string          `json:"domain"`
	Kind            string          `json:"kind"`
	TemplatePackage string          `json:"templatePackage,omitempty"`
	Status          string          `json:"status"`
	ContentVersion  int64           `json:"contentVersion"`
	DeployedVersion int64           `json:"deployedVersion"`
	PendingChanges  bool            `json:"pendingChanges"`
	TLSEnabled      bool            `json:"tlsEnabled"`
	WorkerNodeID    uint            `json:"workerNodeId"`
	Settings        db.SiteSettings `json:"settings"`
}

func newSiteView(s db.Site) siteView {
	return siteView{
		ID:              s.ID,
		Domain:          s.Domain,
		Kind:            s.Kind,
		TemplatePackage: s.TemplatePackage,
		Status:          s.Status,
		ContentVersion:  s.ContentVersion,
		DeployedVersion: s.DeployedVersion,
		PendingChanges:  s.HasPendingChanges(),
		TLSEnabled:      s.TLSEnabled,
		WorkerNodeID:    s.WorkerNodeID,
		Settings:        s.Settings,
	}
}

type pageView struct {
	ID              uint                 `json:"id"`
	SiteID          uint                 `json:"siteId"`
	Path            string               `json:"path"`
	Filename        string               `json:"filename"`
	Title           string               `json:"title"`
	TemplateKind    content.Kind         `json:"templateKind"`
	TemplateData    content.TemplateData `json:"templateData"`
	FolderIDs       []uint               `json:"folderIds"`
	PrimaryFolderID *uint                `json:"primaryFolderId,omitempty"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

func newPageView(p db.Page) pageView {
	return pageView{
		ID:              p.ID,
		SiteID:          p.SiteID,
		Path:            p.Path,
		Filename:        p.Filename,
		Title:           p.Title,
		TemplateKind:    p.TemplateKind,
		TemplateData:    p.TemplateData,
		FolderIDs:       p.FolderIDs(),
		PrimaryFolderID: p.PrimaryFolderID,
		UpdatedAt:       p.UpdatedAt,
	}
}

type folderView struct {
	ID          uint   `json:"id"`
	SiteID      uint   `json:"siteId"`
	ParentID    *uint  `json:"parentId,omitempty"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
}

func newFolderView(f db.Folder) folderView {
	return folderView{
		ID:          f.ID,
		SiteID:      f.SiteID,
		ParentID:    f.ParentID,
		Name:        f.Name,
		Slug:        f.Slug,
		Description: f.Description,
	}
}

type workerView struct {
	ID               uint      `json:"id"`
	Name             string    `json:"name"`
	Address          string    `json:"address"`
	Status           string    `json:"status"`
	DocumentRootBase string    `json:"documentRootBase"`
	LastSeen         time.Time `json:"lastSeen,omitzero"`
	// Key is only returned on registration.
	Key string `json:"key,omitempty"`
}

func newWorkerView(w db.WorkerNode) workerView {
	return workerView{
		ID:               w.ID,
		Name:             w.Name,
		Address:          w.Address,
		Status:           w.Status,
		DocumentRootBase: w.DocumentRootBase,
		LastSeen:         w.LastSeen,
	}
}

type changeView struct {
	Version int64  `json:"version"`
	BatchID string `json:"batchId,omitempty"`
	Tasks   int    `json:"tasks"`
	// Warning is set when the change was saved but not scheduled.
	Warning string `json:"warning,omitempty"`
}

func newChangeView(c site.Change) changeView {
	return changeView{Version: c.Version, BatchID: c.BatchID, Tasks: len(c.Tasks)}
}

type bulkResult struct {
	SiteID uint   `json:"siteId"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

func newBulkResults(results []dispatch.Result[uint]) []bulkResult {
	out := make([]bulkResult, len(results))
	for i, r := range results {
		out[i] = bulkResult{SiteID: r.Item, OK: r.Err == nil}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}
