package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the orchestration pipeline.
// The external metrics exporter scrapes these; the in-process Stats()
// surfaces are served by plain counters and do not depend on Prometheus.
type Metrics struct {
	ResolveTotal    *prometheus.CounterVec
	ResolveDuration *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec
	ModelRequests   *prometheus.CounterVec
	DeferredTasks   *prometheus.CounterVec
	AuditDropped    prometheus.Counter
}

// NewMetrics creates and registers the collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpulse_resolve_total",
			Help: "Fallback ladder invocations by task kind and tier.",
		}, []string{"task_kind", "tier"}),
		ResolveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peerpulse_resolve_duration_seconds",
			Help:    "Fallback ladder latency by task kind.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5, 8},
		}, []string{"task_kind"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpulse_cache_lookups_total",
			Help: "Cache lookups by result.",
		}, []string{"result"}),
		ModelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpulse_model_requests_total",
			Help: "Model client calls by profile and status.",
		}, []string{"profile", "status"}),
		DeferredTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerpulse_deferred_tasks_total",
			Help: "Deferred completion tasks by outcome.",
		}, []string{"outcome"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerpulse_audit_dropped_total",
			Help: "Audit records dropped due to a full emit buffer.",
		}),
	}

	reg.MustRegister(
		m.ResolveTotal,
		m.ResolveDuration,
		m.CacheLookups,
		m.ModelRequests,
		m.DeferredTasks,
		m.AuditDropped,
	)

	return m
}
