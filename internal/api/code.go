package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
	"github.com/seantiz/kiln/internal/store"
)

type listFunctionsResponse struct {
	Functions []model.Function `json:"functions"`
}

func (s *Server) handleHeadCode(w http.ResponseWriter, r *http.Request) {
	_, err := s.hub.GetCodeVersion(r.Context(), projectParam(r).String(), chi.URLParam(r, "digest"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	case err != nil:
		s.logger.Error("head code version", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleGetCode(w http.ResponseWriter, r *http.Request) {
	cv, err := s.hub.GetCodeVersion(r.Context(), projectParam(r).String(), chi.URLParam(r, "digest"))
	if err != nil {
		s.writeStoreError(w, err, "code version")
		return
	}
	s.writeJSON(w, http.StatusOK, cv)
}

// handlePutCode stores a packaged source tree. The digest in the URL must
// match the content of the archive. Re-uploading a stored digest returns the
// stored version unchanged.
func (s *Server) handlePutCode(w http.ResponseWriter, r *http.Request) {
	project := projectParam(r).String()
	digest := chi.URLParam(r, "digest")

	var functions []model.Function
	if h := r.Header.Get(platform.HeaderFunctions); h != "" {
		if err := json.Unmarshal([]byte(h), &functions); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid "+platform.HeaderFunctions+" header")
			return
		}
	}

	archive, ok := s.readArchive(w, r, archiveCode)
	if !ok {
		return
	}
	tree, err := bundle.ReadArchive(bytes.NewReader(archive))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid archive")
		return
	}
	got, err := bundle.Digest(tree)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid archive")
		return
	}
	if got != digest {
		s.writeError(w, http.StatusBadRequest, "archive digest "+got+" does not match "+digest)
		return
	}

	cv := &model.CodeVersion{
		Digest:    digest,
		Project:   project,
		Size:      int64(len(archive)),
		FileCount: tree.Len(),
		Functions: functions,
		CreatedAt: time.Now().UTC(),
	}
	err = s.hub.PutCodeVersion(r.Context(), cv, archive)
	if errors.Is(err, store.ErrConflict) {
		existing, err := s.hub.GetCodeVersion(r.Context(), project, digest)
		if err != nil {
			s.writeStoreError(w, err, "code version")
			return
		}
		s.writeJSON(w, http.StatusOK, existing)
		return
	}
	if err != nil {
		s.writeStoreError(w, err, "code version")
		return
	}

	s.logger.Info("code version stored", "project", project, "digest", digest, "files", cv.FileCount)
	s.writeJSON(w, http.StatusCreated, cv)
}

func (s *Server) handleDownloadCode(w http.ResponseWriter, r *http.Request) {
	data, err := s.hub.GetCodeArchive(r.Context(), projectParam(r).String(), chi.URLParam(r, "digest"))
	if err != nil {
		s.writeStoreError(w, err, "code version")
		return
	}
	s.writeArchive(w, data, archiveCode)
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	cv, err := s.hub.GetCodeVersion(r.Context(), projectParam(r).String(), chi.URLParam(r, "digest"))
	if err != nil {
		s.writeStoreError(w, err, "code version")
		return
	}
	fns := cv.Functions
	if fns == nil {
		fns = []model.Function{}
	}
	s.writeJSON(w, http.StatusOK, listFunctionsResponse{Functions: fns})
}
