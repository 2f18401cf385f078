package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "selfheald"

// Metrics exposes the agent's Prometheus instrumentation backed by a
// dedicated registry so tests can inspect values in isolation.
type Metrics struct {
	registry *prometheus.Registry

	pollCycles     *prometheus.CounterVec
	repairResults  *prometheus.CounterVec
	repairDuration *prometheus.HistogramVec
	commits        *prometheus.CounterVec
	rollbacks      prometheus.Counter
	updateRuns     *prometheus.CounterVec
	approvals      *prometheus.CounterVec
}

// NewMetrics builds the metric set and registers it on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      "poll_cycles_total",
			Help:      "Diagnostic poll cycles by overall status.",
		}, []string{"status"}),
		repairResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      "repair_results_total",
			Help:      "Repair action executions by action and outcome.",
		}, []string{"action", "outcome"}),
		repairDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      "repair_duration_seconds",
			Help:      "Wall-clock duration of repair actions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"action"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      "commits_total",
			Help:      "Gated commit attempts by result (applied, rejected).",
		}, []string{"result"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      "rollbacks_total",
			Help:      "Rollbacks performed, whether from revision or snapshot.",
		}),
		updateRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      "update_runs_total",
			Help:      "Self-update flow runs by result.",
		}, []string{"result"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      "approval_decisions_total",
			Help:      "Approval gate decisions by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.pollCycles,
		m.repairResults,
		m.repairDuration,
		m.commits,
		m.rollbacks,
		m.updateRuns,
		m.approvals,
	)
	return m
}

// ObservePollCycle records one completed diagnostic cycle.
func (m *Metrics) ObservePollCycle(status string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(status).Inc()
}

// ObserveRepair records the outcome and duration of one repair action.
func (m *Metrics) ObserveRepair(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.repairResults.WithLabelValues(action, outcome).Inc()
	m.repairDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// ObserveCommit records a gated commit attempt.
func (m *Metrics) ObserveCommit(applied bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "rejected"
	}
	m.commits.WithLabelValues(result).Inc()
}

// ObserveRollback records a rollback of any kind.
func (m *Metrics) ObserveRollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// ObserveUpdateRun records the result of one self-update flow.
func (m *Metrics) ObserveUpdateRun(result string) {
	if m == nil {
		return
	}
	m.updateRuns.WithLabelValues(result).Inc()
}

// ObserveApproval records an approval gate decision.
func (m *Metrics) ObserveApproval(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}

// Registry returns the underlying registry for use with HTTP handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the registry via an http.Handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
