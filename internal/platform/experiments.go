package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/seantiz/kiln/internal/model"
)

// CreateExperiment opens a new experiment; the platform assigns its number.
func (c *Client) CreateExperiment(ctx context.Context, p model.ProjectPath) (*model.Experiment, error) {
	var exp model.Experiment
	if err := c.do(ctx, request{method: http.MethodPost, path: projectPath(p) + "/experiments"}, &exp); err != nil {
		return nil, fmt.Errorf("create experiment: %w", err)
	}
	return &exp, nil
}

// DeleteExperiment removes an experiment and its artifacts.
func (c *Client) DeleteExperiment(ctx context.Context, e model.ExperimentPath) error {
	if err := c.do(ctx, request{method: http.MethodDelete, path: experimentPath(e)}, nil); err != nil {
		return fmt.Errorf("delete experiment %s: %w", e, err)
	}
	return nil
}

func artifactPath(e model.ExperimentPath, name string) string {
	return experimentPath(e) + "/artifacts/" + url.PathEscape(name)
}

// PutArtifact uploads a sealed artifact archive along with its file manifest.
func (c *Client) PutArtifact(ctx context.Context, e model.ExperimentPath, up ArtifactUpload, archive []byte) (*model.Artifact, error) {
	if err := c.checkUploadSize(len(archive)); err != nil {
		return nil, err
	}
	manifest, err := json.Marshal(up.Files)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", ContentTypeBundle)
	header.Set(HeaderManifest, string(manifest))

	query := url.Values{}
	query.Set("kind", up.Kind)
	query.Set("overwrite", strconv.FormatBool(up.Overwrite))

	var a model.Artifact
	err = c.do(ctx, request{
		method: http.MethodPut,
		path:   artifactPath(e, up.Name),
		query:  query,
		header: header,
		body:   bytes.NewReader(archive),
	}, &a)
	if err != nil {
		return nil, fmt.Errorf("upload artifact %s: %w", up.Name, err)
	}
	return &a, nil
}

// GetArtifact returns the metadata of the newest artifact called name.
func (c *Client) GetArtifact(ctx context.Context, e model.ExperimentPath, name string) (*model.Artifact, error) {
	var a model.Artifact
	if err := c.do(ctx, request{method: http.MethodGet, path: artifactPath(e, name)}, &a); err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", name, err)
	}
	return &a, nil
}

// DownloadArtifact returns the sealed archive of the newest artifact called name.
func (c *Client) DownloadArtifact(ctx context.Context, e model.ExperimentPath, name string) ([]byte, error) {
	data, err := c.download(ctx, request{method: http.MethodGet, path: artifactPath(e, name) + "/bundle"})
	if err != nil {
		return nil, fmt.Errorf("download artifact %s: %w", name, err)
	}
	return data, nil
}

// ListArtifacts returns every artifact of the experiment.
func (c *Client) ListArtifacts(ctx context.Context, e model.ExperimentPath) ([]*model.Artifact, error) {
	var resp listArtifactsResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: experimentPath(e) + "/artifacts"}, &resp); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return resp.Artifacts, nil
}
