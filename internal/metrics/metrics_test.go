package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RuleRun("send_email", "success")
	m.RuleRun("send_email", "success")
	m.TaskFinished("notify.email", "succeeded", 0.01)
	m.Notification("sms", "failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RuleRuns.WithLabelValues("send_email", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues("notify.email", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("sms", "failed")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RuleRun("x", "y")
	m.TaskFinished("x", "y", 1)
	m.Notification("x", "y")
	m.AlertCreated("x")
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.AlertCreated("inventory_low")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `careops_alerts_created_total{type="inventory_low"} 1`)
}
