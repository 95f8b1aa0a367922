// Package api exposes the published side of the cache over HTTP: the
// aggregate-index view, per-genome path resolution, and static file serving
// of the publish tree. The API is read-only; mutation happens through the
// catalog runner.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/genome-refcache/pkg/refcache"
)

// GenomeHandler handles HTTP requests for published genomes.
type GenomeHandler struct {
	service refcache.Service
}

// NewGenomeHandler creates a new genome handler.
func NewGenomeHandler(service refcache.Service) *GenomeHandler {
	return &GenomeHandler{service: service}
}

// Routes returns the routes for published genomes.
func (h *GenomeHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListGenomes)
	r.Get("/{provider}/{species}", h.GetGenome)
	r.Get("/{provider}/{species}/{assembly}", h.GetGenome)

	return r
}

// ListGenomes returns the aggregate-index view of every published genome.
func (h *GenomeHandler) ListGenomes(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.ListPublished(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	render.JSON(w, r, entries)
}

// GetGenome resolves the published paths for one genome. Without an assembly
// in the path the most recently updated published assembly is returned.
func (h *GenomeHandler) GetGenome(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	species := chi.URLParam(r, "species")
	assembly := chi.URLParam(r, "assembly")

	paths, err := h.service.GetPaths(r.Context(), provider, species, assembly)
	if err != nil {
		switch {
		case errors.Is(err, refcache.ErrRecordNotFound), errors.Is(err, refcache.ErrNotPublished):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	render.JSON(w, r, paths)
}

// FileRoutes serves the publish tree itself, so downstream consumers can
// download the artifacts named by the aggregate index.
func FileRoutes(publishRoot string) chi.Router {
	r := chi.NewRouter()
	fs := http.FileServer(http.Dir(publishRoot))
	r.Handle("/*", fs)
	return r
}
