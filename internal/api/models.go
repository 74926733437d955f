package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
)

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.hub.GetModel(r.Context(), projectParam(r).String(), chi.URLParam(r, "model"))
	if err != nil {
		s.writeStoreError(w, err, "model")
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

// handlePublishModelVersion appends a version. The hub assigns the number.
func (s *Server) handlePublishModelVersion(w http.ResponseWriter, r *http.Request) {
	p := projectParam(r)
	name := chi.URLParam(r, "model")

	archive, ok := s.readArchive(w, r, archiveModel)
	if !ok {
		return
	}
	if _, err := bundle.ReadArchive(bytes.NewReader(archive)); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid archive")
		return
	}

	checksum, size := bundle.Checksum(archive)
	v := &model.ModelVersion{
		Owner:       p.Owner,
		Project:     p.Name,
		Model:       name,
		Description: r.Header.Get(platform.HeaderDescription),
		Size:        size,
		Checksum:    checksum,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.hub.CreateModelVersion(r.Context(), v, archive); err != nil {
		s.writeStoreError(w, err, "model version")
		return
	}

	s.logger.Info("model version published", "project", p.String(), "model", name, "version", v.Version)
	s.writeJSON(w, http.StatusCreated, v)
}

func versionParam(r *http.Request) (uint32, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, "version"), 10, 32)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint32(v), true
}

func (s *Server) handleGetModelVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid version")
		return
	}
	v, err := s.hub.GetModelVersion(r.Context(), projectParam(r).String(), chi.URLParam(r, "model"), version)
	if err != nil {
		s.writeStoreError(w, err, "model version")
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDownloadModelVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid version")
		return
	}
	data, err := s.hub.GetModelArchive(r.Context(), projectParam(r).String(), chi.URLParam(r, "model"), version)
	if err != nil {
		s.writeStoreError(w, err, "model version")
		return
	}
	s.writeArchive(w, data, archiveModel)
}
