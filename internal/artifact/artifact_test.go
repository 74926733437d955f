package artifact_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/internal/artifact"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
)

type stored struct {
	artifact *model.Artifact
	archive  []byte
}

// stubClient keeps uploads in memory, keyed by name and kind.
type stubClient struct {
	uploads map[string]stored
	order   []string
	putErr  error
}

func newStubClient() *stubClient {
	return &stubClient{uploads: make(map[string]stored)}
}

func (s *stubClient) PutArtifact(_ context.Context, e model.ExperimentPath, up platform.ArtifactUpload, archive []byte) (*model.Artifact, error) {
	if s.putErr != nil {
		return nil, s.putErr
	}
	key := up.Name + "/" + up.Kind
	if _, ok := s.uploads[key]; ok && !up.Overwrite {
		return nil, fmt.Errorf("put artifact: %w", kiln.ErrConflict)
	}
	sum, size := bundle.Checksum(archive)
	a := &model.Artifact{
		ID:         fmt.Sprintf("a%d", len(s.order)+1),
		Experiment: e.String(),
		Name:       up.Name,
		Kind:       up.Kind,
		Size:       size,
		Checksum:   sum,
		Files:      up.Files,
	}
	s.uploads[key] = stored{artifact: a, archive: archive}
	s.order = append(s.order, key)
	return a, nil
}

func (s *stubClient) DownloadArtifact(_ context.Context, _ model.ExperimentPath, name string) ([]byte, error) {
	for i := len(s.order) - 1; i >= 0; i-- {
		if st := s.uploads[s.order[i]]; st.artifact.Name == name {
			return st.archive, nil
		}
	}
	return nil, fmt.Errorf("download artifact %s: %w", name, kiln.ErrNotFound)
}

func (s *stubClient) ListArtifacts(context.Context, model.ExperimentPath) ([]*model.Artifact, error) {
	out := make([]*model.Artifact, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.uploads[key].artifact)
	}
	return out, nil
}

func testExperiment() model.ExperimentPath {
	return model.ExperimentPath{Project: model.ProjectPath{Owner: "acme", Name: "mnist"}, Number: 7}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"model", "log", "other"} {
		if k, err := artifact.ParseKind(s); err != nil || string(k) != s {
			t.Errorf("ParseKind(%q) = %q, %v", s, k, err)
		}
	}
	if _, err := artifact.ParseKind("weights"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newStubClient()
	scope := artifact.NewScope(client, testExperiment())

	ref, err := scope.Upload(ctx, "checkpoint", artifact.KindModel, bundle.Files{
		"weights.bin":   []byte{1, 2, 3},
		"meta/cfg.json": []byte(`{"lr":0.1}`),
	}, artifact.Settings{})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref.Name != "checkpoint" || ref.Kind != artifact.KindModel {
		t.Errorf("ref = %+v", ref)
	}

	files := client.uploads["checkpoint/model"].artifact.Files
	if len(files) != 2 {
		t.Fatalf("got %d file entries, want 2", len(files))
	}
	wantSum, _ := bundle.Checksum([]byte{1, 2, 3})
	for _, f := range files {
		if f.Path == "weights.bin" && (f.Checksum != wantSum || f.Size != 3) {
			t.Errorf("weights.bin entry = %+v, want checksum %s size 3", f, wantSum)
		}
	}

	got := bundle.Files{}
	if err := scope.Download(ctx, "checkpoint", got); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(got["meta/cfg.json"]) != `{"lr":0.1}` {
		t.Errorf("cfg.json = %q", got["meta/cfg.json"])
	}
}

func TestUploadConflict(t *testing.T) {
	ctx := context.Background()
	scope := artifact.NewScope(newStubClient(), testExperiment())
	enc := &bundle.Bytes{Data: []byte("v1")}

	if _, err := scope.Upload(ctx, "run.log", artifact.KindLog, enc, artifact.Settings{}); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	_, err := scope.Upload(ctx, "run.log", artifact.KindLog, enc, artifact.Settings{})
	if !errors.Is(err, kiln.ErrConflict) {
		t.Fatalf("second upload error = %v, want conflict", err)
	}

	enc2 := &bundle.Bytes{Data: []byte("v2")}
	if _, err := scope.Upload(ctx, "run.log", artifact.KindLog, enc2, artifact.Settings{AllowOverwrite: true}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got := &bundle.Bytes{}
	if err := scope.Download(ctx, "run.log", got); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(got.Data) != "v2" {
		t.Errorf("got %q, want v2", got.Data)
	}
}

func TestDownloadNewestKindWins(t *testing.T) {
	ctx := context.Background()
	scope := artifact.NewScope(newStubClient(), testExperiment())

	if _, err := scope.Upload(ctx, "best", artifact.KindModel, &bundle.Bytes{Data: []byte("model")}, artifact.Settings{}); err != nil {
		t.Fatal(err)
	}
	if _, err := scope.Upload(ctx, "best", artifact.KindOther, &bundle.Bytes{Data: []byte("other")}, artifact.Settings{}); err != nil {
		t.Fatal(err)
	}

	got := &bundle.Bytes{}
	if err := scope.Download(ctx, "best", got); err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "other" {
		t.Errorf("got %q, want other", got.Data)
	}

	list, err := scope.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("got %d artifacts, want 2", len(list))
	}
}

func TestDownloadErrors(t *testing.T) {
	ctx := context.Background()
	client := newStubClient()
	scope := artifact.NewScope(client, testExperiment())

	if err := scope.Download(ctx, "missing", &bundle.Bytes{}); !errors.Is(err, kiln.ErrNotFound) {
		t.Errorf("missing: got %v, want not found", err)
	}

	client.uploads["junk/other"] = stored{artifact: &model.Artifact{Name: "junk"}, archive: []byte("not an archive")}
	client.order = append(client.order, "junk/other")
	if err := scope.Download(ctx, "junk", &bundle.Bytes{}); !errors.Is(err, kiln.ErrDecode) {
		t.Errorf("junk: got %v, want decode error", err)
	}

	if _, err := scope.Upload(ctx, "typed", artifact.KindOther, &bundle.JSON[map[string]int]{Value: map[string]int{"a": 1}}, artifact.Settings{}); err != nil {
		t.Fatal(err)
	}
	var wrong bundle.JSON[[]string]
	if err := scope.Download(ctx, "typed", &wrong); !errors.Is(err, kiln.ErrDecode) {
		t.Errorf("type mismatch: got %v, want decode error", err)
	}
}

func TestUploadRequiresName(t *testing.T) {
	scope := artifact.NewScope(newStubClient(), testExperiment())
	if _, err := scope.Upload(context.Background(), "", artifact.KindOther, bundle.Files{}, artifact.Settings{}); err == nil {
		t.Error("expected error for empty name")
	}
}
