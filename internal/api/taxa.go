package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// taxonRequest registers a taxon or replaces its post-assembly filters.
type taxonRequest struct {
	PostAssemblyFilters json.RawMessage `json:"post_assembly_filters"`
}

func taxonID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "taxonID"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) listTaxa(w http.ResponseWriter, r *http.Request) {
	taxa, err := s.store.ListTaxa(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if taxa == nil {
		taxa = []model.Taxon{}
	}
	writeJSON(w, taxa, http.StatusOK)
}

func (s *Server) getTaxon(w http.ResponseWriter, r *http.Request) {
	id, ok := taxonID(r)
	if !ok {
		writeError(w, "invalid taxon id", http.StatusBadRequest)
		return
	}
	taxon, err := s.store.GetTaxon(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if taxon == nil {
		writeError(w, "taxon not found", http.StatusNotFound)
		return
	}
	writeJSON(w, taxon, http.StatusOK)
}

func (s *Server) putTaxon(w http.ResponseWriter, r *http.Request) {
	id, ok := taxonID(r)
	if !ok {
		writeError(w, "invalid taxon id", http.StatusBadRequest)
		return
	}
	var req taxonRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	switch f := bytes.TrimSpace(req.PostAssemblyFilters); {
	case bytes.Equal(f, []byte("null")):
		req.PostAssemblyFilters = nil
	case len(f) > 0 && f[0] != '{':
		writeError(w, "post_assembly_filters must be an object", http.StatusBadRequest)
		return
	}

	taxon, err := s.store.UpsertTaxon(r.Context(), model.Taxon{ID: id, PostAssemblyFilters: req.PostAssemblyFilters})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, taxon, http.StatusOK)
}
