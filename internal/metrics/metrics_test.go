package metrics

import (
	"errors"
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

func TestRecordImage(t *testing.T) {
	m := New()
	m.RecordImage("batch", nil, 10*time.Millisecond)
	m.RecordImage("batch", nil, 10*time.Millisecond)
	m.RecordImage("batch", errors.New("corrupt"), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.imagesTotal.WithLabelValues("batch", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.imagesTotal.WithLabelValues("batch", "error")))
}

func TestJobGauge(t *testing.T) {
	m := New()
	m.JobQueued()
	m.JobQueued()
	m.JobDone("batch", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsTotal.WithLabelValues("batch", "success")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordImage("web", nil, time.Second)
		m.ObserveStage("canny", time.Second)
		m.JobQueued()
		m.JobDone("batch", nil)
		m.RecordFrame("canny", nil)
		m.RecordHTTPRequest("GET", "health", "200", time.Second)
	})
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/detect", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", "detect", "418")))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "edgedetect_http_requests_total"))
}

func TestEndpointName(t *testing.T) {
	cases := map[string]string{
		"/api/health":       "health",
		"/api/batch-detect": "batch-detect",
		"/api/jobs/stream":  "jobs",
		"/api/secret":       "unknown",
		"/ws":               "ws",
		"/":                 "unknown",
	}
	for in, want := range cases {
		assert.Equal(t, want, EndpointName(in), in)
	}
}
