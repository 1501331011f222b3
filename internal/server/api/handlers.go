package api

import (
	"net/http"

	"github.com/atvirokodosprendimai/sitefleet/internal/content"
	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/site"
)

type workerRequest struct {
	Name             string `json:"name"`
	Address          string `json:"address"`
	DocumentRootBase string `json:"documentRootBase"`
	CPUCores         int    `json:"cpuCores"`
	MemoryMB         int    `json:"memoryMb"`
	DiskGB           int    `json:"diskGb"`
}

type workerStatusRequest struct {
	Active bool `json:"active"`
}

type siteRequest struct {
	Domain          string          `json:"domain"`
	Kind            string          `json:"kind"`
	TemplatePackage string          `json:"templatePackage"`
	WorkerNodeID    uint            `json:"workerNodeId"`
	Settings        db.SiteSettings `json:"settings"`
}

type bulkRequest struct {
	SiteIDs []uint `json:"siteIds"`
}

type pageRequest struct {
	Path            string               `json:"path"`
	Filename        string               `json:"filename"`
	Title           string               `json:"title"`
	TemplateKind    content.Kind         `json:"templateKind"`
	TemplateData    content.TemplateData `json:"templateData"`
	Content         string               `json:"content"`
	FolderIDs       []uint               `json:"folderIds"`
	PrimaryFolderID *uint                `json:"primaryFolderId"`
}

// input converts the request. siteID is ignored by updates, which keep the
// page on its site.
func (p pageRequest) input(siteID uint) site.PageInput {
	return site.PageInput{
		SiteID:          siteID,
		Path:            p.Path,
		Filename:        p.Filename,
		Title:           p.Title,
		TemplateKind:    p.TemplateKind,
		TemplateData:    p.TemplateData,
		Content:         p.Content,
		FolderIDs:       p.FolderIDs,
		PrimaryFolderID: p.PrimaryFolderID,
	}
}

type pageFoldersRequest struct {
	FolderIDs       []uint `json:"folderIds"`
	PrimaryFolderID *uint  `json:"primaryFolderId"`
}

type folderRequest struct {
	ParentID    *uint  `json:"parentId"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
}

func (f folderRequest) input(siteID uint) site.FolderInput {
	return site.FolderInput{
		SiteID:      siteID,
		ParentID:    f.ParentID,
		Name:        f.Name,
		Slug:        f.Slug,
		Description: f.Description,
	}
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.svc.Workers().List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]workerView, len(workers))
	for i, wk := range workers {
		out[i] = newWorkerView(wk)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if !decode(w, r, &req) {
		return
	}
	worker, err := a.svc.RegisterWorker(r.Context(), site.WorkerInput{
		Name:             req.Name,
		Address:          req.Address,
		DocumentRootBase: req.DocumentRootBase,
		CPUCores:         req.CPUCores,
		MemoryMB:         req.MemoryMB,
		DiskGB:           req.DiskGB,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	view := newWorkerView(*worker)
	view.Key = worker.Key
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) setWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "workerID")
	if !ok {
		return
	}
	var req workerStatusRequest
	if !decode(w, r, &req) {
		return
	}
	worker, err := a.svc.SetWorkerActive(r.Context(), id, req.Active)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerView(*worker))
}

func (a *API) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := a.svc.Sites().List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]siteView, len(sites))
	for i, s := range sites {
		out[i] = newSiteView(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createSite(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := a.svc.CreateSite(r.Context(), site.SiteInput{
		Domain:          req.Domain,
		Kind:            req.Kind,
		TemplatePackage: req.TemplatePackage,
		WorkerNodeID:    req.WorkerNodeID,
		Settings:        req.Settings,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSiteView(*s))
}

func (a *API) writeSite(w http.ResponseWriter, r *http.Request, id uint) {
	s, err := a.svc.Sites().Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSiteView(*s))
}

func (a *API) getSite(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	a.writeSite(w, r, id)
}

func (a *API) deploySite(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	if err := a.svc.DeploySite(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeSite(w, r, id)
}

func (a *API) deploySites(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, newBulkResults(a.svc.DeploySites(r.Context(), req.SiteIDs)))
}

func (a *API) removeSites(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, newBulkResults(a.svc.RemoveSites(r.Context(), req.SiteIDs)))
}

func (a *API) removeSite(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	if err := a.svc.RemoveSite(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deactivateSite(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	if err := a.svc.DeactivateSite(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeSite(w, r, id)
}

func (a *API) updateSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	var req db.SiteSettings
	if !decode(w, r, &req) {
		return
	}
	change, err := a.svc.UpdateSettings(r.Context(), id, req)
	a.writeChange(w, r, http.StatusOK, nil, change, err)
}

func (a *API) issueCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	if err := a.svc.IssueCertificate(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeSite(w, r, id)
}

func (a *API) renewCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	if err := a.svc.RenewCertificate(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeSite(w, r, id)
}

func (a *API) revokeCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	if err := a.svc.RevokeCertificate(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeSite(w, r, id)
}

func (a *API) listPages(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	if _, err := a.svc.Sites().Get(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	pages, err := a.svc.Pages().ListBySite(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]pageView, len(pages))
	for i, p := range pages {
		out[i] = newPageView(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createPage(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	var req pageRequest
	if !decode(w, r, &req) {
		return
	}
	page, change, err := a.svc.CreatePage(r.Context(), req.input(id))
	var body map[string]any
	if page != nil {
		body = map[string]any{"page": newPageView(*page)}
	}
	a.writeChange(w, r, http.StatusCreated, body, change, err)
}

func (a *API) getPage(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "pageID")
	if !ok {
		return
	}
	page, err := a.svc.Pages().Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageView(*page))
}

func (a *API) updatePage(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "pageID")
	if !ok {
		return
	}
	var req pageRequest
	if !decode(w, r, &req) {
		return
	}
	page, change, err := a.svc.UpdatePage(r.Context(), id, req.input(0))
	var body map[string]any
	if page != nil {
		body = map[string]any{"page": newPageView(*page)}
	}
	a.writeChange(w, r, http.StatusOK, body, change, err)
}

func (a *API) setPageFolders(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "pageID")
	if !ok {
		return
	}
	var req pageFoldersRequest
	if !decode(w, r, &req) {
		return
	}
	change, err := a.svc.SetPageFolders(r.Context(), id, req.FolderIDs, req.PrimaryFolderID)
	a.writeChange(w, r, http.StatusOK, nil, change, err)
}

func (a *API) deletePage(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "pageID")
	if !ok {
		return
	}
	change, err := a.svc.DeletePage(r.Context(), id)
	a.writeChange(w, r, http.StatusOK, nil, change, err)
}

func (a *API) listFolders(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	if _, err := a.svc.Sites().Get(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	folders, err := a.svc.Folders().ListBySite(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]folderView, len(folders))
	for i, f := range folders {
		out[i] = newFolderView(f)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) createFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "siteID")
	if !ok {
		return
	}
	var req folderRequest
	if !decode(w, r, &req) {
		return
	}
	folder, change, err := a.svc.CreateFolder(r.Context(), req.input(id))
	var body map[string]any
	if folder != nil {
		body = map[string]any{"folder": newFolderView(*folder)}
	}
	a.writeChange(w, r, http.StatusCreated, body, change, err)
}

func (a *API) updateFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "folderID")
	if !ok {
		return
	}
	var req folderRequest
	if !decode(w, r, &req) {
		return
	}
	folder, change, err := a.svc.UpdateFolder(r.Context(), id, req.input(0))
	var body map[string]any
	if folder != nil {
		body = map[string]any{"folder": newFolderView(*folder)}
	}
	a.writeChange(w, r, http.StatusOK, body, change, err)
}

func (a *API) deleteFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "folderID")
	if !ok {
		return
	}
	change, err := a.svc.DeleteFolder(r.Context(), id)
	a.writeChange(w, r, http.StatusOK, nil, change, err)
}
