package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the reconciliation loop.
type Metrics struct {
	CyclesTotal         prometheus.Counter
	CycleDuration       prometheus.Histogram
	ActionsTotal        *prometheus.CounterVec
	FailuresTotal       prometheus.Counter
	QueryFailuresTotal  *prometheus.CounterVec
	UnknownRolesTotal   prometheus.Counter
	InvalidTransitions  prometheus.Counter
	LastCycleCandidates prometheus.Gauge
}

// New creates and registers all reconciler metrics.
func New() *Metrics {
	return &Metrics{
		CyclesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailprov_cycles_total",
			Help: "Total number of completed reconciliation cycles",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailprov_cycle_duration_seconds",
			Help:    "Wall time of one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		}),
		ActionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailprov_actions_total",
			Help: "Lifecycle actions applied, by action",
		}, []string{"action"}),
		FailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailprov_identity_failures_total",
			Help: "Per-identity processing failures",
		}),
		QueryFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailprov_query_failures_total",
			Help: "Directory query failures, by query",
		}, []string{"query"}),
		UnknownRolesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailprov_unknown_roles_total",
			Help: "Identities whose organizational unit fell back to the student role",
		}),
		InvalidTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailprov_invalid_transitions_total",
			Help: "Decisions rejected by the lifecycle state machine",
		}),
		LastCycleCandidates: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mailprov_last_cycle_candidates",
			Help: "Number of candidate identities observed in the last cycle",
		}),
	}
}

func (m *Metrics) ObserveCycle(seconds float64) {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(seconds)
}

func (m *Metrics) IncAction(action string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) IncFailure() {
	if m == nil {
		return
	}
	m.FailuresTotal.Inc()
}

func (m *Metrics) IncQueryFailure(query string) {
	if m == nil {
		return
	}
	m.QueryFailuresTotal.WithLabelValues(query).Inc()
}

func (m *Metrics) IncUnknownRole() {
	if m == nil {
		return
	}
	m.UnknownRolesTotal.Inc()
}

func (m *Metrics) IncInvalidTransition() {
	if m == nil {
		return
	}
	m.InvalidTransitions.Inc()
}

func (m *Metrics) SetCandidates(n int) {
	if m == nil {
		return
	}
	m.LastCycleCandidates.Set(float64(n))
}
