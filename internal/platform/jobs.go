package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/seantiz/kiln/internal/model"
)

// SubmitJob records a job for the given provider group.
func (c *Client) SubmitJob(ctx context.Context, p model.ProjectPath, req JobRequest) (*model.Job, error) {
	var job model.Job
	if err := c.do(ctx, request{method: http.MethodPost, path: projectPath(p) + "/jobs", json: req}, &job); err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	return &job, nil
}

// GetJob returns a recorded job.
func (c *Client) GetJob(ctx context.Context, p model.ProjectPath, id string) (*model.Job, error) {
	var job model.Job
	if err := c.do(ctx, request{method: http.MethodGet, path: projectPath(p) + "/jobs/" + url.PathEscape(id)}, &job); err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}
