package worker

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thebtf/faultline/internal/enrich"
	"github.com/thebtf/faultline/pkg/models"
)

// Metrics holds the worker's Prometheus collectors. Each Service owns its
// own registry so tests can build many services in one process.
type Metrics struct {
	registry        *prometheus.Registry
	eventsIngested  *prometheus.CounterVec
	ingestFailures  prometheus.Counter
	ingestDuration  prometheus.Histogram
	authFailures    *prometheus.CounterVec
	enrichmentJobs  *prometheus.CounterVec
	rulesReloads    *prometheus.CounterVec
	analyticsErrors prometheus.Counter
}

func newMetrics(sseClients func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "faultline",
		Name:      "sse_clients",
		Help:      "Connected SSE clients.",
	}, func() float64 { return float64(sseClients()) })

	return &Metrics{
		registry: reg,
		eventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "events_ingested_total",
			Help:      "Error events stored, by environment and whether they opened a new group.",
		}, []string{"environment", "new_group"}),
		ingestFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "ingest_failures_total",
			Help:      "Error events that could not be stored.",
		}),
		ingestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "faultline",
			Name:      "ingest_duration_seconds",
			Help:      "Time to store one error event.",
			Buckets:   prometheus.DefBuckets,
		}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "auth_failures_total",
			Help:      "Rejected ingestion requests, by reason.",
		}, []string{"reason"}),
		enrichmentJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "enrichment_jobs_total",
			Help:      "Enrichment jobs, by outcome.",
		}, []string{"outcome"}),
		rulesReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "rules_reloads_total",
			Help:      "Placeholder rule reloads, by result.",
		}, []string{"result"}),
		analyticsErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "analytics_failures_total",
			Help:      "Analytics and listing queries that failed.",
		}),
	}
}

func (m *Metrics) observeIngest(environment string, created bool, seconds float64) {
	// Environment is client supplied; keep label cardinality bounded.
	if environment != models.EnvironmentDev && environment != models.EnvironmentProd {
		environment = "other"
	}
	m.eventsIngested.WithLabelValues(environment, strconv.FormatBool(created)).Inc()
	m.ingestDuration.Observe(seconds)
}

func (m *Metrics) observeEnrichment(_ enrich.Job, outcome enrich.Outcome) {
	m.enrichmentJobs.WithLabelValues(string(outcome)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
