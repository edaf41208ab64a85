package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"edgedetect/internal/codec"
	"edgedetect/internal/edge"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends {success:false, error} with status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// writeEngineError maps pipeline and codec errors to a response. Parameter
// problems are the caller's fault, undecodable uploads are unprocessable, and
// anything else is logged and reported as an internal error.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, edge.ErrInvalidParameter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, edge.ErrInvalidImage), errors.Is(err, codec.ErrDecode):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) writeTooLarge(w http.ResponseWriter) {
	writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
		"success":     false,
		"error":       "File too large",
		"max_size_mb": s.cfg.Web.MaxUploadSize / (1 << 20),
	})
}
