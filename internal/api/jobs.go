package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
)

// handleSubmitJob records a job for a stored code version. The hub does not
// schedule jobs; compute providers pick them up elsewhere.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	project := projectParam(r).String()

	var req platform.JobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProviderGroup == "" {
		s.writeError(w, http.StatusBadRequest, "provider_group is required")
		return
	}
	if req.Digest == "" {
		s.writeError(w, http.StatusBadRequest, "digest is required")
		return
	}
	if len(req.Job) == 0 || !json.Valid(req.Job) {
		s.writeError(w, http.StatusBadRequest, "job is required")
		return
	}

	if _, err := s.hub.GetCodeVersion(r.Context(), project, req.Digest); err != nil {
		s.writeStoreError(w, err, "code version")
		return
	}

	job := &model.Job{
		ID:            model.NewID(),
		Project:       project,
		ProviderGroup: req.ProviderGroup,
		Digest:        req.Digest,
		Status:        model.JobStatusQueued,
		Payload:       req.Job,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.hub.CreateJob(r.Context(), job); err != nil {
		s.writeStoreError(w, err, "job")
		return
	}

	jobsQueuedTotal.WithLabelValues(job.ProviderGroup).Inc()
	s.logger.Info("job queued", "project", project, "job_id", job.ID, "provider_group", job.ProviderGroup)
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.hub.GetJob(r.Context(), projectParam(r).String(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "job")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}
