package function

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/internal/artifact"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
)

var errNoArtifactTarget = errors.New("no artifact destination configured for this run")

func newArtifacts(inv Invocation) (Artifacts, error) {
	if p := inv.Platform; p != nil && p.Endpoint != "" {
		client := platform.NewClient(p.Endpoint, platform.WithAPIKey(p.APIKey))
		exp := model.ExperimentPath{
			Project: model.ProjectPath{Owner: p.Owner, Name: p.Project},
			Number:  p.Experiment,
		}
		return &remoteArtifacts{scope: artifact.NewScope(client, exp)}, nil
	}
	if inv.ArtifactDir != "" {
		return &dirArtifacts{dir: inv.ArtifactDir}, nil
	}
	return noArtifacts{}, nil
}

// remoteArtifacts uploads to the experiment the run is bound to.
type remoteArtifacts struct {
	scope *artifact.Scope
}

func (r *remoteArtifacts) Upload(ctx context.Context, name, kind string, enc bundle.Encoder) error {
	k, err := artifact.ParseKind(kind)
	if err != nil {
		return err
	}
	_, err = r.scope.Upload(ctx, name, k, enc, artifact.Settings{})
	return err
}

// dirArtifacts writes each artifact to <dir>/<kind>/<name>.
type dirArtifacts struct {
	dir string
}

func (d *dirArtifacts) Upload(_ context.Context, name, kind string, enc bundle.Encoder) error {
	k, err := artifact.ParseKind(kind)
	if err != nil {
		return err
	}
	rel, err := bundle.NormalizePath(name)
	if err != nil {
		return err
	}

	dest := filepath.Join(d.dir, string(k), filepath.FromSlash(rel))
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: artifact %s/%s already exists", kiln.ErrConflict, k, rel)
	}

	sink, err := bundle.NewDirSink(dest)
	if err != nil {
		return err
	}
	defer sink.Abort()

	if err := enc.EncodeBundle(sink); err != nil {
		return fmt.Errorf("encode artifact %s: %w", rel, err)
	}
	return sink.Commit()
}

type noArtifacts struct{}

func (noArtifacts) Upload(context.Context, string, string, bundle.Encoder) error {
	return errNoArtifactTarget
}
