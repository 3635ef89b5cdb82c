package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getHistogramCount(t *testing.T, hist *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	o, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = o.(prometheus.Metric).Write(m)
	return m.GetHistogram().GetSampleCount()
}

func TestHTTPMiddleware_RecordsCountAndDuration(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	before := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/v1/sessions/{id}/prompt", "202")
	beforeHist := getHistogramCount(t, metrics.HTTPRequestDuration, "POST", "/v1/sessions/{id}/prompt")

	req := httptest.NewRequest("POST", "/v1/sessions/s-abc123/prompt", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, before+1, getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/v1/sessions/{id}/prompt", "202"))
	assert.Equal(t, beforeHist+1, getHistogramCount(t, metrics.HTTPRequestDuration, "POST", "/v1/sessions/{id}/prompt"))
}

func TestHTTPMiddleware_ImplicitOK(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	before := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/healthz", "200")

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, before+1, getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/healthz", "200"))
}

func TestNormalizePath_GroupsSessionIDs(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, p := range []string{"/v1/sessions/aaa/state", "/v1/sessions/bbb/state"} {
		req := httptest.NewRequest("GET", p, nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	// Both requests collapse onto the same label pair.
	assert.GreaterOrEqual(t, getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/v1/sessions/{id}/state", "200"), 2.0)
}
