// Package server exposes the pipeline over HTTP: synchronous image endpoints
// under /api, queued folder jobs, a job stream over SSE and websocket, and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"edgedetect/internal/config"
	"edgedetect/internal/jobs"
	"edgedetect/internal/logging"
	"edgedetect/internal/metrics"
	"edgedetect/internal/storage"
)

const (
	ServiceName = "Edge Detection System"
	Version     = "2.0.0"
)

// pipelineClient is the part of jobs.Pipeline the server uses.
type pipelineClient interface {
	Submit(job jobs.Job) error
	Subscribe() (<-chan jobs.Result, func())
}

// Deps are the collaborators a Server needs. Only Config is required.
type Deps struct {
	Config   *config.Config
	Log      logrus.FieldLogger
	Store    *storage.Store
	Pipeline pipelineClient
	Metrics  *metrics.Metrics
}

// Server serves the web API.
type Server struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	store   *storage.Store
	jobs    pipelineClient
	metrics *metrics.Metrics
	hub     *hub
	handler http.Handler
	server  *http.Server
}

// New builds a Server and its route table.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = logging.Discard()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	s := &Server{
		cfg:     d.Config,
		log:     d.Log,
		store:   d.Store,
		jobs:    d.Pipeline,
		metrics: d.Metrics,
		hub:     newHub(d.Log),
	}

	r := mux.NewRouter()
	s.setupRoutes(r)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Endpoint not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "Method not allowed"})
	})

	var h http.Handler = otelhttp.NewHandler(r, "edgedetect.http")
	h = s.metrics.Middleware(h)
	h = s.cors(h)
	s.handler = h
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) setupRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/info", s.handleInfo).Methods("GET")
	api.HandleFunc("/algorithms", s.handleAlgorithms).Methods("GET")
	api.HandleFunc("/detect", s.handleDetect).Methods("POST")
	api.HandleFunc("/batch-detect", s.handleBatchDetect).Methods("POST")
	api.HandleFunc("/compare", s.handleCompare).Methods("POST")
	api.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	api.HandleFunc("/sheet", s.handleSheet).Methods("POST")
	api.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	api.HandleFunc("/jobs/stream", s.handleJobStream).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")

	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Start listens on the configured address until ctx ends, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.background(ctx)

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctxShutdown); err != nil {
			s.log.WithError(err).Warn("server shutdown")
		}
	}()

	s.log.WithField("addr", s.server.Addr).Info("server starting")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// background starts the websocket hub and the job result relay.
func (s *Server) background(ctx context.Context) {
	go s.hub.run(ctx)
	if s.jobs != nil {
		go s.forwardResults(ctx)
	}
}

// forwardResults relays finished jobs to websocket clients.
func (s *Server) forwardResults(ctx context.Context) {
	results, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			s.hub.publish(res.Event())
		}
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	origin := s.cfg.Web.CORSOrigin
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
