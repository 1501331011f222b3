// Package api is the control plane's HTTP surface over the site service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/atvirokodosprendimai/sitefleet/internal/content"
	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/site"
	"github.com/atvirokodosprendimai/sitefleet/internal/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 8 << 20

// API serves the control-plane endpoints.
type API struct {
	svc      *site.Service
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

// New returns an API. A nil gatherer serves the default registry.
func New(svc *site.Service, gatherer prometheus.Gatherer, log *slog.Logger) *API {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &API{svc: svc, gatherer: gatherer, log: log.With("component", "api")}
}

// Routes returns the router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/workers", func(r chi.Router) {
		r.Get("/", a.listWorkers)
		r.Post("/", a.registerWorker)
		r.Put("/{workerID}/status", a.setWorkerStatus)
	})

	r.Route("/sites", func(r chi.Router) {
		r.Get("/", a.listSites)
		r.Post("/", a.createSite)
		r.Post("/deploy", a.deploySites)
		r.Post("/remove", a.removeSites)
		r.Route("/{siteID}", func(r chi.Router) {
			r.Get("/", a.getSite)
			r.Delete("/", a.removeSite)
			r.Post("/deploy", a.deploySite)
			r.Post("/deactivate", a.deactivateSite)
			r.Put("/settings", a.updateSettings)
			r.Post("/tls", a.issueCertificate)
			r.Post("/tls/renew", a.renewCertificate)
			r.Delete("/tls", a.revokeCertificate)
			r.Get("/pages", a.listPages)
			r.Post("/pages", a.createPage)
			r.Get("/folders", a.listFolders)
			r.Post("/folders", a.createFolder)
		})
	})

	r.Route("/pages/{pageID}", func(r chi.Router) {
		r.Get("/", a.getPage)
		r.Put("/", a.updatePage)
		r.Delete("/", a.deletePage)
		r.Put("/folders", a.setPageFolders)
	})

	r.Route("/folders/{folderID}", func(r chi.Router) {
		r.Put("/", a.updateFolder)
		r.Delete("/", a.deleteFolder)
	})
	return r
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	var verr *site.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, db.ErrInvalidPagePath),
		errors.Is(err, db.ErrDuplicatePath),
		errors.Is(err, db.ErrFolderCycle),
		errors.Is(err, db.ErrFolderHasChildren),
		errors.Is(err, db.ErrForeignFolder),
		errors.Is(err, content.ErrInvalidKind),
		errors.Is(err, content.ErrMissingTitle),
		errors.Is(err, content.ErrForeignSection),
		errors.Is(err, site.ErrNotTemplated):
		return http.StatusUnprocessableEntity
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrDeployInProgress),
		errors.Is(err, site.ErrWorkerInactive),
		errors.Is(err, site.ErrTemplateMissing):
		return http.StatusConflict
	case errors.Is(err, site.ErrWorkerUnhealthy):
		return http.StatusServiceUnavailable
	case transport.IsTransport(err), transport.IsRemote(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		a.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return uint(id), true
}

// writeChange reports a committed content mutation. A fan-out failure is
// still a saved change and is answered with 202 and a warning.
func (a *API) writeChange(w http.ResponseWriter, r *http.Request, status int, body map[string]any, change site.Change, err error) {
	view := newChangeView(change)
	if err != nil {
		if !errors.Is(err, site.ErrFanOut) {
			a.fail(w, r, err)
			return
		}
		a.log.Warn("change saved without fan-out", "path", r.URL.Path, "version", change.Version, "error", err)
		view.Warning = err.Error()
		status = http.StatusAccepted
	}
	if body == nil {
		body = map[string]any{}
	}
	body["change"] = view
	writeJSON(w, status, body)
}
