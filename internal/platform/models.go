package platform

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/seantiz/kiln/internal/model"
)

func versionPath(m model.ModelPath, version uint32) string {
	return modelPath(m) + "/versions/" + strconv.FormatUint(uint64(version), 10)
}

// GetModel returns a model with its latest version number.
func (c *Client) GetModel(ctx context.Context, m model.ModelPath) (*model.Model, error) {
	var out model.Model
	if err := c.do(ctx, request{method: http.MethodGet, path: modelPath(m)}, &out); err != nil {
		return nil, fmt.Errorf("get model %s: %w", m, err)
	}
	return &out, nil
}

// GetModelVersion returns the metadata of one published version.
func (c *Client) GetModelVersion(ctx context.Context, m model.ModelPath, version uint32) (*model.ModelVersion, error) {
	var out model.ModelVersion
	if err := c.do(ctx, request{method: http.MethodGet, path: versionPath(m, version)}, &out); err != nil {
		return nil, fmt.Errorf("get model %s version %d: %w", m, version, err)
	}
	return &out, nil
}

// DownloadModelVersion returns the sealed archive of one published version.
func (c *Client) DownloadModelVersion(ctx context.Context, m model.ModelPath, version uint32) ([]byte, error) {
	data, err := c.download(ctx, request{method: http.MethodGet, path: versionPath(m, version) + "/bundle"})
	if err != nil {
		return nil, fmt.Errorf("download model %s version %d: %w", m, version, err)
	}
	return data, nil
}

// PublishModelVersion uploads a new version. The returned version number is
// assigned by the platform.
func (c *Client) PublishModelVersion(ctx context.Context, m model.ModelPath, description string, archive []byte) (*model.ModelVersion, error) {
	if err := c.checkUploadSize(len(archive)); err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", ContentTypeBundle)
	if description != "" {
		header.Set(HeaderDescription, description)
	}

	var out model.ModelVersion
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   modelPath(m) + "/versions",
		header: header,
		body:   bytes.NewReader(archive),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("publish model %s: %w", m, err)
	}
	return &out, nil
}
