package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRefresh(t *testing.T) {
	m := New()
	m.ObserveRefresh(OutcomeOK, 150*time.Millisecond)
	m.ObserveRefresh(OutcomeOK, time.Second)
	m.ObserveRefresh(OutcomeRetrievalError, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.refreshTotal.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshTotal.WithLabelValues(OutcomeRetrievalError)))
}

func TestObserveSchedule(t *testing.T) {
	m := New()
	m.ObserveSchedule(3, 11, []string{"malformed_timestamp", "malformed_timestamp", "incomplete_event"})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.scheduledDays))
	assert.Equal(t, 11.0, testutil.ToFloat64(m.scheduledEvents))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.parseIssues.WithLabelValues("malformed_timestamp")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest(http.MethodGet, "/api/schedule", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `kseschedule_http_requests_total{method="GET",route="/api/schedule",status="200"} 1`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRefresh(OutcomeOK, time.Second)
	m.ObserveSchedule(1, 1, nil)
	m.ObserveHTTPRequest(http.MethodGet, "/", 200, time.Second)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
