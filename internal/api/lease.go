package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// assemblyRequest is the worker's terminal assembly report.
type assemblyRequest struct {
	AssemblyResult     model.AssemblyResult `json:"assembly_result"`
	AssembledGenomeURL string               `json:"assembled_genome_url"`
	AssemblyReportURL  string               `json:"assembly_report_url"`
	AssemblyError      string               `json:"assembly_error"`
	Report             map[string]any       `json:"report"`
}

// screeningRequest is the worker's post-assembly screening verdict.
type screeningRequest struct {
	PassedScreening  *bool  `json:"passed_screening"`
	ScreeningMessage string `json:"screening_message"`
}

func (s *Server) requestCandidate(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := s.leases.RequestCandidate(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, rec, http.StatusOK)
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	rec, err := s.leases.Confirm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, rec, http.StatusOK)
}

func (s *Server) reportAssembly(w http.ResponseWriter, r *http.Request) {
	var req assemblyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := s.leases.ReportAssembly(r.Context(), chi.URLParam(r, "id"), req.AssemblyResult, model.Artifacts{
		AssembledGenomeURL: req.AssembledGenomeURL,
		AssemblyReportURL:  req.AssemblyReportURL,
		AssemblyError:      req.AssemblyError,
		Report:             req.Report,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, rec, http.StatusOK)
}

func (s *Server) reportScreening(w http.ResponseWriter, r *http.Request) {
	var req screeningRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PassedScreening == nil {
		writeError(w, "passed_screening is required", http.StatusBadRequest)
		return
	}
	rec, err := s.leases.ReportScreening(r.Context(), chi.URLParam(r, "id"), *req.PassedScreening, req.ScreeningMessage)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, rec, http.StatusOK)
}
