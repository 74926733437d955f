// Package artifact reads and writes experiment-scoped bundles (checkpoints,
// logs and other files) through the platform.
package artifact

import (
	"bytes"
	"context"
	"fmt"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
)

// Kind classifies an artifact. It never affects encoding.
type Kind string

const (
	KindModel Kind = "model"
	KindLog   Kind = "log"
	KindOther Kind = "other"
)

// ParseKind parses a snake_case kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindModel, KindLog, KindOther:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", s)
	}
}

// Settings controls an upload.
type Settings struct {
	// AllowOverwrite replaces an existing artifact with the same name and kind
	// instead of failing with kiln.ErrConflict.
	AllowOverwrite bool
}

// Ref identifies an uploaded artifact.
type Ref struct {
	ID       string
	Name     string
	Kind     Kind
	Size     int64
	Checksum string
}

// Client is the subset of the platform API a Scope needs.
type Client interface {
	PutArtifact(ctx context.Context, e model.ExperimentPath, up platform.ArtifactUpload, archive []byte) (*model.Artifact, error)
	DownloadArtifact(ctx context.Context, e model.ExperimentPath, name string) ([]byte, error)
	ListArtifacts(ctx context.Context, e model.ExperimentPath) ([]*model.Artifact, error)
}

var _ Client = (*platform.Client)(nil)

// Scope reads and writes the artifacts of one experiment. It borrows the
// client and never closes it.
type Scope struct {
	client     Client
	experiment model.ExperimentPath
}

// NewScope binds a scope to an experiment.
func NewScope(c Client, e model.ExperimentPath) *Scope {
	return &Scope{client: c, experiment: e}
}

// Experiment returns the experiment the scope is bound to.
func (s *Scope) Experiment() model.ExperimentPath { return s.experiment }

// Upload encodes enc and uploads it as the artifact name. Every file's
// SHA-256 and size are sent along so the platform can verify the archive.
func (s *Scope) Upload(ctx context.Context, name string, kind Kind, enc bundle.Encoder, settings Settings) (Ref, error) {
	if name == "" {
		return Ref{}, fmt.Errorf("artifact name is required")
	}

	sink := bundle.NewMemorySink()
	if err := enc.EncodeBundle(sink); err != nil {
		return Ref{}, fmt.Errorf("encode artifact %s: %w", name, err)
	}
	r := sink.Reader()

	files := make([]model.ArtifactFile, 0, r.Len())
	for _, e := range r.Entries() {
		data, _ := r.Bytes(e.Path)
		sum, size := bundle.Checksum(data)
		files = append(files, model.ArtifactFile{Path: e.Path, Size: size, Checksum: sum})
	}

	var archive bytes.Buffer
	if err := bundle.WriteArchive(&archive, r); err != nil {
		return Ref{}, fmt.Errorf("seal artifact %s: %w", name, err)
	}

	a, err := s.client.PutArtifact(ctx, s.experiment, platform.ArtifactUpload{
		Name:      name,
		Kind:      string(kind),
		Overwrite: settings.AllowOverwrite,
		Files:     files,
	}, archive.Bytes())
	if err != nil {
		return Ref{}, err
	}
	return Ref{ID: a.ID, Name: a.Name, Kind: Kind(a.Kind), Size: a.Size, Checksum: a.Checksum}, nil
}

// Download fetches the artifact name and decodes it into dec. When several
// kinds share the name, the most recent upload is used.
func (s *Scope) Download(ctx context.Context, name string, dec bundle.Decoder) error {
	data, err := s.client.DownloadArtifact(ctx, s.experiment, name)
	if err != nil {
		return err
	}
	r, err := bundle.ReadArchive(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: artifact %s: %v", kiln.ErrDecode, name, err)
	}
	if err := dec.DecodeBundle(r); err != nil {
		return fmt.Errorf("decode artifact %s: %w", name, err)
	}
	return nil
}

// List returns the artifacts of the experiment.
func (s *Scope) List(ctx context.Context) ([]*model.Artifact, error) {
	return s.client.ListArtifacts(ctx, s.experiment)
}
