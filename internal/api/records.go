package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/microfetch/microfetch-pipeline/internal/export"
	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/store"
)

// parseRecordFilter reads list filters from the query string.
func parseRecordFilter(r *http.Request) (store.RecordFilter, error) {
	q := r.URL.Query()
	var f store.RecordFilter

	if v := q.Get("taxon_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, eris.Errorf("invalid taxon_id %q", v)
		}
		f.TaxonID = &id
	}
	if v := q.Get("assembly_result"); v != "" {
		state := model.AssemblyResult(v)
		if !state.Valid() {
			return f, eris.Errorf("invalid assembly_result %q", v)
		}
		f.AssemblyResult = state
	}
	for name, dst := range map[string]**bool{
		"passed_filter":    &f.PassedFilter,
		"passed_screening": &f.PassedScreening,
	} {
		if v := q.Get(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, eris.Errorf("invalid %s %q", name, v)
			}
			*dst = &b
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, eris.Errorf("invalid %s %q", name, v)
			}
			*dst = n
		}
	}
	return f, nil
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRecordFilter(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.store.SelectRecords(r.Context(), filter)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if records == nil {
		records = []model.Record{}
	}
	writeJSON(w, records, http.StatusOK)
}

func (s *Server) recordsGeoJSON(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRecordFilter(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.store.SelectRecords(r.Context(), filter)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	if err := export.GeoJSON(w, records); err != nil {
		s.log.Warn("api: write geojson", zap.Error(err))
	}
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, "record not found", http.StatusNotFound)
		return
	}
	writeJSON(w, rec, http.StatusOK)
}

func (s *Server) reportFields(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string][]string{"fields": model.ReportFields}, http.StatusOK)
}

func (s *Server) listSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.store.ListSyncs(r.Context(), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	writeJSON(w, runs, http.StatusOK)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "invalid lookback_hours", http.StatusBadRequest)
			return
		}
		hours = n
	}
	snap, err := s.snapshots.Collect(r.Context(), hours)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, snap, http.StatusOK)
}
