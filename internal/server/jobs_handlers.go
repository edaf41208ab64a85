package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"edgedetect/internal/jobs"
	"edgedetect/internal/storage"
)

type jobRequest struct {
	Type   jobs.JobType `json:"type"`
	Input  string       `json:"input"`
	Output string       `json:"output"`
}

// handleSubmitJob queues a folder (or single file) job. Paths must be local
// to the working directory.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue disabled")
		return
	}
	var req jobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		req.Type = jobs.JobBatch
	}
	if req.Type != jobs.JobBatch && req.Type != jobs.JobDetect {
		writeError(w, http.StatusBadRequest, "unknown job type: "+string(req.Type))
		return
	}
	if req.Input == "" {
		req.Input = s.cfg.Batch.InputDir
	}
	if req.Output == "" {
		req.Output = s.cfg.Output.Directory
	}
	for _, p := range []string{req.Input, req.Output} {
		if !filepath.IsLocal(p) {
			writeError(w, http.StatusBadRequest, "paths must be relative and stay inside the working directory: "+p)
			return
		}
	}

	job := jobs.Job{
		ID:        string(req.Type) + "-" + uuid.NewString(),
		Type:      req.Type,
		InputPath: req.Input,
		Output:    req.Output,
	}
	if err := s.jobs.Submit(job); err != nil {
		if errors.Is(err, jobs.ErrQueueFull) || errors.Is(err, jobs.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "id": job.ID, "status": storage.StatusQueued})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}
	recs, err := s.store.RecentJobs(limit)
	if errors.Is(err, storage.ErrNotInitialized) {
		writeError(w, http.StatusServiceUnavailable, "job history disabled")
		return
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.JobMeta(id)
	switch {
	case errors.Is(err, storage.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "job history disabled")
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "no result for job "+id)
	case err != nil:
		s.writeEngineError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "meta": meta})
	}
}

// handleJobStream sends each finished job as a server-sent event.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resCh, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(res.Event())
			if err != nil {
				s.log.WithError(err).Warn("encode job event")
				continue
			}
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
