package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/microfetch/microfetch-pipeline/internal/lease"
	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/taxonsync"
)

const namespace = "microfetch"

// trackedStates are exported as gauges even when their count is zero.
var trackedStates = []model.AssemblyResult{
	model.AssemblySkipped,
	model.AssemblyWaiting,
	model.AssemblyUnderConsideration,
	model.AssemblyInProgress,
	model.AssemblySuccess,
	model.AssemblyFail,
}

// Metrics exposes pipeline counters and state gauges on a private
// registry. It satisfies taxonsync.Recorder and lease.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	taxonSyncs     *prometheus.CounterVec
	recordsFetched prometheus.Counter
	recordsNew     prometheus.Counter
	recordsPassed  prometheus.Counter
	leaseEvents    *prometheus.CounterVec
	reclaimed      *prometheus.CounterVec
	geocodes       *prometheus.CounterVec

	records *prometheus.GaugeVec
	taxaDue prometheus.Gauge
}

// NewMetrics registers all pipeline metrics on a new registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		taxonSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "taxon_syncs_total",
			Help:      "Taxon sync attempts by outcome.",
		}, []string{"status"}),
		recordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Archive rows fetched during taxon syncs.",
		}),
		recordsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_new_total",
			Help:      "Records inserted for the first time.",
		}),
		recordsPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_passed_total",
			Help:      "New records that passed the filter chain.",
		}),
		leaseEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_events_total",
			Help:      "Lease protocol events.",
		}, []string{"event"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_reclaimed_total",
			Help:      "Stale leases returned to waiting, by prior state.",
		}, []string{"state"}),
		geocodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_lookups_total",
			Help:      "Country geocode lookups by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Records by assembly_result.",
		}, []string{"assembly_result"}),
		taxaDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "taxa_due",
			Help:      "Taxa whose refresh interval has elapsed.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.taxonSyncs, m.recordsFetched, m.recordsNew, m.recordsPassed,
		m.leaseEvents, m.reclaimed, m.geocodes,
		m.records, m.taxaDue,
	)
	return m
}

// Registry returns the registry backing the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSync records one taxon sync result.
func (m *Metrics) ObserveSync(res taxonsync.TaxonResult) {
	if res.Err != nil {
		m.taxonSyncs.WithLabelValues("failed").Inc()
		return
	}
	status := "complete"
	if res.Partial {
		status = "partial"
	}
	m.taxonSyncs.WithLabelValues(status).Inc()
	m.recordsFetched.Add(float64(res.Fetched))
	m.recordsNew.Add(float64(res.New))
	m.recordsPassed.Add(float64(res.Passed))
}

// ObserveLease counts a lease event.
func (m *Metrics) ObserveLease(event string) {
	m.leaseEvents.WithLabelValues(event).Inc()
}

// ObserveReclaim counts reclaimed leases.
func (m *Metrics) ObserveReclaim(res lease.ReclaimResult) {
	m.reclaimed.WithLabelValues(string(model.AssemblyUnderConsideration)).Add(float64(res.UnderConsideration))
	m.reclaimed.WithLabelValues(string(model.AssemblyInProgress)).Add(float64(res.InProgress))
}

// ObserveGeocode counts a geocode lookup outcome.
func (m *Metrics) ObserveGeocode(outcome string) {
	m.geocodes.WithLabelValues(outcome).Inc()
}

// Update sets the state gauges from a snapshot.
func (m *Metrics) Update(snap *Snapshot) {
	m.records.WithLabelValues("unfiltered").Set(float64(snap.Unfiltered))
	for _, state := range trackedStates {
		m.records.WithLabelValues(string(state)).Set(float64(snap.Records[state]))
	}
	m.taxaDue.Set(float64(snap.TaxaDue))
}

var (
	_ taxonsync.Recorder = (*Metrics)(nil)
	_ lease.Recorder     = (*Metrics)(nil)
)
