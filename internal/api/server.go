// Package api serves the worker-facing lease protocol and read-only views of
// taxa, records and sync history over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/monitoring"
	"github.com/microfetch/microfetch-pipeline/internal/store"
)

// Leases is the lease protocol served to assembly workers.
type Leases interface {
	RequestCandidate(ctx context.Context) (*model.Record, bool, error)
	Confirm(ctx context.Context, id string) (*model.Record, error)
	ReportAssembly(ctx context.Context, id string, result model.AssemblyResult, artifacts model.Artifacts) (*model.Record, error)
	ReportScreening(ctx context.Context, id string, passed bool, message string) (*model.Record, error)
}

// Snapshotter produces the pipeline state shown by /status.
type Snapshotter interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.Snapshot, error)
}

// Option configures the server.
type Option func(*Server)

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithSnapshotter enables /api/v1/status.
func WithSnapshotter(c Snapshotter) Option {
	return func(s *Server) { s.snapshots = c }
}

// WithCORSOrigins sets the allowed CORS origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// Server holds handler dependencies.
type Server struct {
	store     store.Store
	leases    Leases
	metrics   http.Handler
	snapshots Snapshotter
	origins   []string
	log       *zap.Logger
}

// NewServer builds the router.
func NewServer(st store.Store, leases Leases, opts ...Option) http.Handler {
	s := &Server{
		store:   st,
		leases:  leases,
		origins: []string{"*"},
		log:     zap.L().With(zap.String("component", "api")),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/taxa", s.listTaxa)
		r.Get("/taxa/{taxonID}", s.getTaxon)
		r.Put("/taxa/{taxonID}", s.putTaxon)

		r.Get("/records", s.listRecords)
		r.Get("/records.geojson", s.recordsGeoJSON)
		r.Get("/records/{id}", s.getRecord)
		r.Post("/records/{id}/confirm", s.confirm)
		r.Post("/records/{id}/assembly", s.reportAssembly)
		r.Post("/records/{id}/screening", s.reportScreening)

		r.Post("/lease/request", s.requestCandidate)

		r.Get("/report-fields", s.reportFields)
		r.Get("/sync-runs", s.listSyncRuns)
		if s.snapshots != nil {
			r.Get("/status", s.status)
		}
	})

	return r
}

// logRequests logs every request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, map[string]string{"status": "unavailable"}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}
