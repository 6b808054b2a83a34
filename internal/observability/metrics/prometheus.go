// Package metrics provides Prometheus metrics for the care-plan engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/pkg/circuitbreaker"
)

const namespace = "careplan"

// Metrics holds all application metrics
type Metrics struct {
	AuditEntries       *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter
	AuditEscalations   prometheus.Counter
	OperationErrors    *prometheus.CounterVec
	ReminderCalls      *prometheus.CounterVec
	SnapshotSaves      *prometheus.CounterVec
	SnapshotDuration   prometheus.Histogram
	BreakerState       *prometheus.GaugeVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec

	reg prometheus.Registerer
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit entries recorded, by entity type and action",
		}, []string{"entity_type", "action"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit entries the external sink failed to accept",
		}),
		AuditEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_escalations_total",
			Help:      "Times the audit failure streak reached the escalation threshold",
		}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Rejected operations by error kind",
		}, []string{"kind"}),
		ReminderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminder_calls_total",
			Help:      "Calls to the reminder scheduler by operation and result",
		}, []string{"op", "result"}),
		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot saves by result",
		}, []string{"result"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Snapshot save duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		reg: reg,
	}

	reg.MustRegister(
		m.AuditEntries,
		m.AuditWriteFailures,
		m.AuditEscalations,
		m.OperationErrors,
		m.ReminderCalls,
		m.SnapshotSaves,
		m.SnapshotDuration,
		m.BreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// ObserveAudit counts an appended audit entry.
func (m *Metrics) ObserveAudit(e audit.Entry) {
	m.AuditEntries.WithLabelValues(string(e.EntityType), string(e.Action)).Inc()
}

// ObserveAuditFailure counts a sink failure; escalated marks a threshold crossing.
func (m *Metrics) ObserveAuditFailure(escalated bool) {
	m.AuditWriteFailures.Inc()
	if escalated {
		m.AuditEscalations.Inc()
	}
}

// ObserveError counts a rejected operation by kind.
func (m *Metrics) ObserveError(err error) {
	if err == nil {
		return
	}
	kind := string(errs.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	m.OperationErrors.WithLabelValues(kind).Inc()
}

// ObserveReminder counts a finished reminder scheduler call.
func (m *Metrics) ObserveReminder(op string, err error) {
	m.ReminderCalls.WithLabelValues(op, result(err)).Inc()
}

// ObserveSnapshot records a snapshot save.
func (m *Metrics) ObserveSnapshot(d time.Duration, err error) {
	m.SnapshotSaves.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.SnapshotDuration.Observe(d.Seconds())
	}
}

// ObserveBreaker matches circuitbreaker.StateChangeFunc.
func (m *Metrics) ObserveBreaker(name string, _, to circuitbreaker.State) {
	v := 0.0
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
