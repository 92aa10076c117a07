package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the meters recorded by the
// governance core.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	AuditAppends         *prometheus.CounterVec
	AuditFailures        *prometheus.CounterVec
	Votes                *prometheus.CounterVec
	Executions           *prometheus.CounterVec
	EnforcementDecisions *prometheus.CounterVec
	TrustScore           *prometheus.GaugeVec
	SessionTransitions   *prometheus.CounterVec
}

// NewMetrics creates a custom registry with the standard clan meters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clan_operation_duration_seconds",
			Help:    "Duration of operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clan_operation_total",
			Help: "Total number of operations.",
		}, []string{"operation", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clan_errors_total",
			Help: "Total number of errors.",
		}, []string{"operation", "type"}),
		AuditAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clan_audit_appends_total",
			Help: "Audit events appended, by kind.",
		}, []string{"kind"}),
		AuditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clan_audit_failures_total",
			Help: "Audit appends that failed after a side effect had already happened.",
		}, []string{"kind"}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clan_votes_total",
			Help: "Votes cast on approval requests.",
		}, []string{"vote"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clan_executions_total",
			Help: "Approval request executions, by action and outcome.",
		}, []string{"action", "status"}),
		EnforcementDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clan_enforcement_decisions_total",
			Help: "Rule enforcement decisions.",
		}, []string{"action", "decision"}),
		TrustScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clan_trust_score",
			Help: "Most recent device trust score.",
		}, []string{"device"}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clan_session_transitions_total",
			Help: "Session state transitions, by target state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.OperationDuration, m.OperationTotal, m.ErrorsTotal,
		m.AuditAppends, m.AuditFailures, m.Votes, m.Executions,
		m.EnforcementDecisions, m.TrustScore, m.SessionTransitions,
	)
	return m
}
