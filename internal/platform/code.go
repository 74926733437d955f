package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/internal/model"
)

func codePath(p model.ProjectPath, digest string) string {
	return projectPath(p) + "/code/" + url.PathEscape(digest)
}

// HasCodeVersion reports whether the platform already stores digest.
func (c *Client) HasCodeVersion(ctx context.Context, p model.ProjectPath, digest string) (bool, error) {
	err := c.do(ctx, request{method: http.MethodHead, path: codePath(p, digest)}, nil)
	if errors.Is(err, kiln.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetCodeVersion returns the metadata of a stored code version.
func (c *Client) GetCodeVersion(ctx context.Context, p model.ProjectPath, digest string) (*model.CodeVersion, error) {
	var cv model.CodeVersion
	if err := c.do(ctx, request{method: http.MethodGet, path: codePath(p, digest)}, &cv); err != nil {
		return nil, fmt.Errorf("get code version %s: %w", digest, err)
	}
	return &cv, nil
}

// UploadCodeVersion stores a sealed source archive under digest. Uploading
// a digest that already exists is accepted and leaves the stored copy as is.
func (c *Client) UploadCodeVersion(ctx context.Context, p model.ProjectPath, digest string, functions []model.Function, archive []byte) (*model.CodeVersion, error) {
	if err := c.checkUploadSize(len(archive)); err != nil {
		return nil, err
	}
	fnJSON, err := json.Marshal(functions)
	if err != nil {
		return nil, fmt.Errorf("marshal functions: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", ContentTypeBundle)
	header.Set(HeaderFunctions, string(fnJSON))

	var cv model.CodeVersion
	err = c.do(ctx, request{
		method: http.MethodPut,
		path:   codePath(p, digest),
		header: header,
		body:   bytes.NewReader(archive),
	}, &cv)
	if err != nil {
		return nil, fmt.Errorf("upload code version %s: %w", digest, err)
	}
	return &cv, nil
}

// DownloadCodeVersion returns the sealed source archive of digest.
func (c *Client) DownloadCodeVersion(ctx context.Context, p model.ProjectPath, digest string) ([]byte, error) {
	data, err := c.download(ctx, request{method: http.MethodGet, path: codePath(p, digest) + "/bundle"})
	if err != nil {
		return nil, fmt.Errorf("download code version %s: %w", digest, err)
	}
	return data, nil
}

// ListFunctions returns the functions recorded for a code version.
func (c *Client) ListFunctions(ctx context.Context, p model.ProjectPath, digest string) ([]model.Function, error) {
	var resp listFunctionsResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: codePath(p, digest) + "/functions"}, &resp); err != nil {
		return nil, fmt.Errorf("list functions of %s: %w", digest, err)
	}
	return resp.Functions, nil
}
