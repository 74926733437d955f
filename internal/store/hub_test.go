package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

func TestCodeVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cv := &model.CodeVersion{
		Digest:    "d1",
		Project:   "acme/mnist",
		Size:      3,
		FileCount: 1,
		Functions: []model.Function{{Name: "train", Procedure: "training"}},
		CreatedAt: time.Now().UTC(),
	}

	if err := s.PutCodeVersion(ctx, cv, []byte("tar")); err != nil {
		t.Fatalf("PutCodeVersion: %v", err)
	}
	if err := s.PutCodeVersion(ctx, cv, []byte("tar")); !errors.Is(err, ErrConflict) {
		t.Errorf("second PutCodeVersion: got %v, want ErrConflict", err)
	}

	got, err := s.GetCodeVersion(ctx, "acme/mnist", "d1")
	if err != nil {
		t.Fatalf("GetCodeVersion: %v", err)
	}
	if len(got.Functions) != 1 || got.Functions[0].Name != "train" {
		t.Errorf("Functions = %+v", got.Functions)
	}
	archive, err := s.GetCodeArchive(ctx, "acme/mnist", "d1")
	if err != nil || string(archive) != "tar" {
		t.Errorf("GetCodeArchive = %q, %v", archive, err)
	}

	if _, err := s.GetCodeVersion(ctx, "acme/other", "d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other project: got %v, want ErrNotFound", err)
	}
}

func TestExperiments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 2; want++ {
		e, err := s.CreateExperiment(ctx, "acme/mnist")
		if err != nil {
			t.Fatalf("CreateExperiment: %v", err)
		}
		if e.Number != want {
			t.Errorf("Number = %d, want %d", e.Number, want)
		}
	}
	if e, _ := s.CreateExperiment(ctx, "acme/other"); e.Number != 1 {
		t.Errorf("numbering is per project: got %d, want 1", e.Number)
	}

	if err := s.DeleteExperiment(ctx, "acme/mnist", 1); err != nil {
		t.Fatalf("DeleteExperiment: %v", err)
	}
	if _, err := s.GetExperiment(ctx, "acme/mnist", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted experiment: got %v, want ErrNotFound", err)
	}
	if err := s.DeleteExperiment(ctx, "acme/mnist", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func makeArtifact(name, kind string, at time.Time) *model.Artifact {
	return &model.Artifact{
		ID:         model.NewID(),
		Experiment: "acme/mnist/1",
		Name:       name,
		Kind:       kind,
		Size:       4,
		Checksum:   "c",
		Files:      []model.ArtifactFile{{Path: "data.bin", Size: 4, Checksum: "f"}},
		CreatedAt:  at,
	}
}

func TestArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.PutArtifact(ctx, makeArtifact("best", "model", t0), []byte("v1"), false); err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}
	if err := s.PutArtifact(ctx, makeArtifact("best", "model", t0), []byte("v2"), false); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate: got %v, want ErrConflict", err)
	}
	if err := s.PutArtifact(ctx, makeArtifact("best", "model", t0.Add(time.Minute)), []byte("v2"), true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := s.PutArtifact(ctx, makeArtifact("best", "other", t0.Add(2*time.Minute)), []byte("v3"), false); err != nil {
		t.Fatalf("other kind: %v", err)
	}

	a, err := s.GetArtifact(ctx, "acme/mnist/1", "best")
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if a.Kind != "other" {
		t.Errorf("Kind = %q, want newest (other)", a.Kind)
	}
	if len(a.Files) != 1 || a.Files[0].Path != "data.bin" {
		t.Errorf("Files = %+v", a.Files)
	}
	archive, err := s.GetArtifactArchive(ctx, a.ID)
	if err != nil || string(archive) != "v3" {
		t.Errorf("GetArtifactArchive = %q, %v", archive, err)
	}

	list, err := s.ListArtifacts(ctx, "acme/mnist/1")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("len(list) = %d, want 2", len(list))
	}

	if _, err := s.GetArtifact(ctx, "acme/mnist/1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}
}

func TestModelVersionsAreAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetModel(ctx, "acme/mnist", "classifier"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unpublished model: got %v, want ErrNotFound", err)
	}

	for want := uint32(1); want <= 3; want++ {
		v := &model.ModelVersion{
			Owner:     "acme",
			Project:   "mnist",
			Model:     "classifier",
			Size:      1,
			Checksum:  "c",
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreateModelVersion(ctx, v, []byte{byte(want)}); err != nil {
			t.Fatalf("CreateModelVersion: %v", err)
		}
		if v.Version != want {
			t.Errorf("Version = %d, want %d", v.Version, want)
		}
	}

	m, err := s.GetModel(ctx, "acme/mnist", "classifier")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if m.LatestVersion != 3 || m.VersionCount != 3 {
		t.Errorf("model = %+v, want latest 3 count 3", m)
	}

	v, err := s.GetModelVersion(ctx, "acme/mnist", "classifier", 2)
	if err != nil {
		t.Fatalf("GetModelVersion: %v", err)
	}
	if v.Owner != "acme" || v.Project != "mnist" || v.Version != 2 {
		t.Errorf("version = %+v", v)
	}
	archive, err := s.GetModelArchive(ctx, "acme/mnist", "classifier", 2)
	if err != nil || len(archive) != 1 || archive[0] != 2 {
		t.Errorf("GetModelArchive = %v, %v", archive, err)
	}
	if _, err := s.GetModelVersion(ctx, "acme/mnist", "classifier", 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing version: got %v, want ErrNotFound", err)
	}
}

func TestJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := &model.Job{
		ID:            model.NewID(),
		Project:       "acme/mnist",
		ProviderGroup: "gpu-a100",
		Digest:        "d1",
		Status:        model.JobStatusQueued,
		Payload:       json.RawMessage(`{"function":"train"}`),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	got, err := s.GetJob(ctx, "acme/mnist", j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ProviderGroup != "gpu-a100" || string(got.Payload) != `{"function":"train"}` {
		t.Errorf("job = %+v", got)
	}
	if _, err := s.GetJob(ctx, "acme/other", j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("other project: got %v, want ErrNotFound", err)
	}
}

func TestConcurrentNumberingOnFileDB(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	versions := make(chan uint32, n)
	experiments := make(chan int, n)
	errs := make(chan error, 2*n)
	for range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			v := &model.ModelVersion{
				Owner: "acme", Project: "mnist", Model: "classifier",
				Size: 1, Checksum: "c", CreatedAt: time.Now().UTC(),
			}
			if err := s.CreateModelVersion(ctx, v, []byte("w")); err != nil {
				errs <- err
				return
			}
			versions <- v.Version
		}()
		go func() {
			defer wg.Done()
			e, err := s.CreateExperiment(ctx, "acme/mnist")
			if err != nil {
				errs <- err
				return
			}
			experiments <- e.Number
		}()
	}
	wg.Wait()
	close(errs)
	close(versions)
	close(experiments)

	for err := range errs {
		t.Errorf("concurrent create: %v", err)
	}
	var gotVersions []int
	for v := range versions {
		gotVersions = append(gotVersions, int(v))
	}
	var gotExperiments []int
	for e := range experiments {
		gotExperiments = append(gotExperiments, e)
	}
	for name, got := range map[string][]int{"versions": gotVersions, "experiments": gotExperiments} {
		sort.Ints(got)
		if len(got) != n {
			t.Errorf("%s = %v, want %d entries", name, got, n)
			continue
		}
		for i, v := range got {
			if v != i+1 {
				t.Errorf("%s = %v, want 1..%d", name, got, n)
				break
			}
		}
	}

	m, err := s.GetModel(ctx, "acme/mnist", "classifier")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if m.LatestVersion != n {
		t.Errorf("LatestVersion = %d, want %d", m.LatestVersion, n)
	}
}
