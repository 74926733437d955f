package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/internal/artifact"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
)

type listArtifactsResponse struct {
	Artifacts []*model.Artifact `json:"artifacts"`
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.hub.CreateExperiment(r.Context(), projectParam(r).String())
	if err != nil {
		s.writeStoreError(w, err, "experiment")
		return
	}
	s.writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	e, ok := experimentParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid experiment number")
		return
	}
	if err := s.hub.DeleteExperiment(r.Context(), e.Project.String(), e.Number); err != nil {
		s.writeStoreError(w, err, "experiment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// experiment resolves the experiment in the URL and checks that it exists.
func (s *Server) experiment(w http.ResponseWriter, r *http.Request) (model.ExperimentPath, bool) {
	e, ok := experimentParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid experiment number")
		return model.ExperimentPath{}, false
	}
	if _, err := s.hub.GetExperiment(r.Context(), e.Project.String(), e.Number); err != nil {
		s.writeStoreError(w, err, "experiment")
		return model.ExperimentPath{}, false
	}
	return e, true
}

// handlePutArtifact stores an artifact archive. Every file of the archive
// must appear in the manifest header with a matching checksum.
func (s *Server) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	e, ok := s.experiment(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	kind, err := artifact.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	overwrite, _ := strconv.ParseBool(r.URL.Query().Get("overwrite"))

	var manifest []model.ArtifactFile
	if err := json.Unmarshal([]byte(r.Header.Get(platform.HeaderManifest)), &manifest); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid "+platform.HeaderManifest+" header")
		return
	}

	archive, ok := s.readArchive(w, r, archiveArtifact)
	if !ok {
		return
	}
	if err := verifyManifest(archive, manifest); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	checksum, size := bundle.Checksum(archive)
	a := &model.Artifact{
		ID:         model.NewID(),
		Experiment: e.String(),
		Name:       name,
		Kind:       string(kind),
		Size:       size,
		Checksum:   checksum,
		Files:      manifest,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.hub.PutArtifact(r.Context(), a, archive, overwrite); err != nil {
		s.writeStoreError(w, err, "artifact")
		return
	}

	s.logger.Info("artifact stored", "experiment", e.String(), "name", name, "kind", a.Kind, "files", len(manifest))
	s.writeJSON(w, http.StatusCreated, a)
}

// verifyManifest checks that the archive holds exactly the manifest's files
// with the declared sizes and checksums.
func verifyManifest(archive []byte, manifest []model.ArtifactFile) error {
	tree, err := bundle.ReadArchive(bytes.NewReader(archive))
	if err != nil {
		return fmt.Errorf("invalid archive: %v", err)
	}
	if tree.Len() != len(manifest) {
		return fmt.Errorf("archive has %d files, manifest lists %d", tree.Len(), len(manifest))
	}
	for _, f := range manifest {
		data, err := tree.Bytes(f.Path)
		if err != nil {
			return fmt.Errorf("manifest file %s is missing from the archive", f.Path)
		}
		sum, size := bundle.Checksum(data)
		if sum != f.Checksum || size != f.Size {
			return fmt.Errorf("checksum mismatch for %s", f.Path)
		}
	}
	return nil
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	e, ok := s.experiment(w, r)
	if !ok {
		return
	}
	a, err := s.hub.GetArtifact(r.Context(), e.String(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeStoreError(w, err, "artifact")
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	e, ok := s.experiment(w, r)
	if !ok {
		return
	}
	a, err := s.hub.GetArtifact(r.Context(), e.String(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeStoreError(w, err, "artifact")
		return
	}
	data, err := s.hub.GetArtifactArchive(r.Context(), a.ID)
	if err != nil {
		s.writeStoreError(w, err, "artifact")
		return
	}
	s.writeArchive(w, data, archiveArtifact)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	e, ok := s.experiment(w, r)
	if !ok {
		return
	}
	artifacts, err := s.hub.ListArtifacts(r.Context(), e.String())
	if err != nil {
		s.writeStoreError(w, err, "artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []*model.Artifact{}
	}
	s.writeJSON(w, http.StatusOK, listArtifactsResponse{Artifacts: artifacts})
}
