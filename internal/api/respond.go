package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
	"github.com/seantiz/kiln/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, platform.ErrorResponse{Error: message})
}

// writeStoreError maps store errors onto HTTP statuses. Anything unexpected
// is logged and reported as a 500 without details.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, what+" already exists")
	default:
		s.logger.Error("store", "what", what, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to access "+what)
	}
}

// writeArchive streams a sealed bundle archive of the given kind.
func (s *Server) writeArchive(w http.ResponseWriter, data []byte, kind string) {
	archiveBytesTotal.WithLabelValues("download", kind).Add(float64(len(data)))
	w.Header().Set("Content-Type", platform.ContentTypeBundle)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write archive", "error", err)
	}
}

// readArchive reads an upload body, enforcing the configured size limit.
// It writes the error response itself and reports whether to continue.
func (s *Server) readArchive(w http.ResponseWriter, r *http.Request, kind string) ([]byte, bool) {
	body := r.Body
	if s.maxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty archive")
		return nil, false
	}
	archiveBytesTotal.WithLabelValues("upload", kind).Add(float64(len(data)))
	return data, true
}

// projectParam returns the project addressed by the URL.
func projectParam(r *http.Request) model.ProjectPath {
	return model.ProjectPath{Owner: chi.URLParam(r, "owner"), Name: chi.URLParam(r, "project")}
}

// experimentParam returns the experiment addressed by the URL.
func experimentParam(r *http.Request) (model.ExperimentPath, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "num"))
	if err != nil || n <= 0 {
		return model.ExperimentPath{}, false
	}
	return model.ExperimentPath{Project: projectParam(r), Number: n}, true
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
