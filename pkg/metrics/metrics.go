// Package metrics provides Prometheus instruments for the governance engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cgov"

// Metrics holds every engine instrument. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EvidencePackages  *prometheus.CounterVec
	RiskScore         *prometheus.HistogramVec
	Classifications   *prometheus.CounterVec
	SecurityFailures  *prometheus.CounterVec
	CABRoutes         *prometheus.CounterVec
	CABDecisions      *prometheus.CounterVec
	ExceptionsExpired prometheus.Counter
	ExceptionsCreated prometheus.Counter
	MaturityReadiness *prometheus.GaugeVec
	SchedulerRuns     *prometheus.CounterVec
	IncidentsReported *prometheus.CounterVec
	AuditEmitFailures prometheus.Counter
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EvidencePackages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evidence",
			Name:      "packages_total",
			Help:      "Evidence packages sealed, by completeness",
		}, []string{"complete"}),

		RiskScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evidence",
			Name:      "risk_score",
			Help:      "Distribution of computed risk scores",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}, []string{"tier"}),

		Classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blastradius",
			Name:      "classifications_total",
			Help:      "Blast radius classifications by tier and matched rule",
		}, []string{"tier", "rule"}),

		SecurityFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "gate_failures_total",
			Help:      "Security gate check failures by reason code",
		}, []string{"reason"}),

		CABRoutes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cab",
			Name:      "routes_total",
			Help:      "Submission routing outcomes by status and tier",
		}, []string{"status", "tier"}),

		CABDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cab",
			Name:      "decisions_total",
			Help:      "Terminal CAB decisions by type and tier",
		}, []string{"decision", "tier"}),

		ExceptionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exception",
			Name:      "created_total",
			Help:      "Exceptions created",
		}),

		ExceptionsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exception",
			Name:      "expired_total",
			Help:      "Exceptions moved to expired by the sweep",
		}),

		MaturityReadiness: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "maturity",
			Name:      "ready_to_progress",
			Help:      "1 when the last evaluation at a level was ready to progress",
		}, []string{"level"}),

		SchedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled job runs by job and result",
		}, []string{"job", "result"}),

		IncidentsReported: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incident",
			Name:      "reported_total",
			Help:      "Deployment incidents reported by severity",
		}, []string{"severity"}),

		AuditEmitFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "emit_failures_total",
			Help:      "Audit events that could not be written",
		}),
	}
}

// ObserveEvidence records a sealed package.
func (m *Metrics) ObserveEvidence(complete bool, tier string, score float64) {
	if m == nil {
		return
	}
	label := "false"
	if complete {
		label = "true"
	}
	m.EvidencePackages.WithLabelValues(label).Inc()
	m.RiskScore.WithLabelValues(tier).Observe(score)
}

// ObserveClassification records a classifier result.
func (m *Metrics) ObserveClassification(tier, rule string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(tier, rule).Inc()
}

// ObserveSecurityFailure records one failing gate check.
func (m *Metrics) ObserveSecurityFailure(reason string) {
	if m == nil {
		return
	}
	m.SecurityFailures.WithLabelValues(reason).Inc()
}

// ObserveRoute records where a submission was routed.
func (m *Metrics) ObserveRoute(status, tier string) {
	if m == nil {
		return
	}
	m.CABRoutes.WithLabelValues(status, tier).Inc()
}

// ObserveDecision records a terminal decision.
func (m *Metrics) ObserveDecision(decision, tier string) {
	if m == nil {
		return
	}
	m.CABDecisions.WithLabelValues(decision, tier).Inc()
}

// ObserveExceptionCreated records a new exception.
func (m *Metrics) ObserveExceptionCreated() {
	if m == nil {
		return
	}
	m.ExceptionsCreated.Inc()
}

// ObserveExpired records exceptions expired by one sweep.
func (m *Metrics) ObserveExpired(n int) {
	if m == nil {
		return
	}
	m.ExceptionsExpired.Add(float64(n))
}

// ObserveMaturity records an evaluation result.
func (m *Metrics) ObserveMaturity(level string, ready bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	m.MaturityReadiness.WithLabelValues(level).Set(v)
}

// ObserveSchedulerRun records a job run.
func (m *Metrics) ObserveSchedulerRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SchedulerRuns.WithLabelValues(job, result).Inc()
}

// ObserveIncident records a reported incident.
func (m *Metrics) ObserveIncident(severity string) {
	if m == nil {
		return
	}
	m.IncidentsReported.WithLabelValues(severity).Inc()
}

// ObserveAuditFailure records a failed audit write.
func (m *Metrics) ObserveAuditFailure() {
	if m == nil {
		return
	}
	m.AuditEmitFailures.Inc()
}
