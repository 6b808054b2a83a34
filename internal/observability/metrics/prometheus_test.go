package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-careplan/internal/domain/audit"
	"github.com/drfirst/go-careplan/internal/domain/errs"
	"github.com/drfirst/go-careplan/pkg/circuitbreaker"
)

func TestObservers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAudit(audit.Entry{EntityType: audit.EntityDose, Action: audit.ActionGiven})
	m.ObserveAudit(audit.Entry{EntityType: audit.EntityDose, Action: audit.ActionGiven})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditEntries.WithLabelValues("dose", "given")))

	m.ObserveError(errs.Conflict("order", "o1", 1, 2))
	m.ObserveError(errors.New("boom"))
	m.ObserveError(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationErrors.WithLabelValues("concurrency_conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationErrors.WithLabelValues("internal")))

	m.ObserveAuditFailure(false)
	m.ObserveAuditFailure(true)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditWriteFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditEscalations))

	m.ObserveReminder("schedule", nil)
	m.ObserveReminder("cancel", errors.New("down"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReminderCalls.WithLabelValues("cancel", "error")))

	m.ObserveSnapshot(10*time.Millisecond, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotSaves.WithLabelValues("ok")))

	m.ObserveBreaker("reminders", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("reminders")))
}

func TestHandlerExposesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Gauge("worker_queue_depth", "Queued background jobs", func() float64 { return 3 })

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "careplan_worker_queue_depth 3")
}
