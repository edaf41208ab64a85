// Package metrics exposes Prometheus collectors for the engine and its
// delivery surfaces.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a private registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	imagesTotal   *prometheus.CounterVec
	imageDuration *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec

	jobsTotal  *prometheus.CounterVec
	jobsQueued prometheus.Gauge

	cameraFrames *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a metrics instance with every collector registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		imagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgedetect_images_total",
				Help: "Images run through the pipeline by surface and status",
			},
			[]string{"surface", "status"},
		),
		imageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgedetect_image_duration_seconds",
				Help:    "Wall time to decode, process and encode one image",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"surface"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgedetect_stage_duration_seconds",
				Help:    "Time spent in a single pipeline stage",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"stage"},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgedetect_jobs_total",
				Help: "Queued batch jobs by final status",
			},
			[]string{"type", "status"},
		),
		jobsQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "edgedetect_jobs_in_flight",
				Help: "Jobs accepted but not yet finished",
			},
		),
		cameraFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgedetect_camera_frames_total",
				Help: "Frames handled by the live viewer by mode and status",
			},
			[]string{"mode", "status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgedetect_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgedetect_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.imagesTotal,
		m.imageDuration,
		m.stageDuration,
		m.jobsTotal,
		m.jobsQueued,
		m.cameraFrames,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordImage records one image handled by surface (web, batch, cli).
func (m *Metrics) RecordImage(surface string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.imagesTotal.WithLabelValues(surface, status(err)).Inc()
	m.imageDuration.WithLabelValues(surface).Observe(duration.Seconds())
}

// ObserveStage records the time one stage took.
func (m *Metrics) ObserveStage(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// JobQueued marks a job as accepted.
func (m *Metrics) JobQueued() {
	if m == nil {
		return
	}
	m.jobsQueued.Inc()
}

// JobDone records a finished job.
func (m *Metrics) JobDone(jobType string, err error) {
	if m == nil {
		return
	}
	m.jobsQueued.Dec()
	m.jobsTotal.WithLabelValues(jobType, status(err)).Inc()
}

// RecordFrame records one live-viewer frame.
func (m *Metrics) RecordFrame(mode string, err error) {
	if m == nil {
		return
	}
	m.cameraFrames.WithLabelValues(mode, status(err)).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, EndpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack is required for the websocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// EndpointName normalizes a request path to a bounded label value.
func EndpointName(path string) string {
	switch {
	case path == "/metrics":
		return "metrics"
	case path == "/ws":
		return "ws"
	case strings.HasPrefix(path, "/api/jobs"):
		return "jobs"
	case strings.HasPrefix(path, "/api/"):
		name := strings.TrimPrefix(path, "/api/")
		switch name {
		case "health", "info", "algorithms", "detect", "batch-detect", "compare", "analyze", "sheet":
			return name
		}
	}
	return "unknown"
}
