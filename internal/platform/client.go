package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/internal/model"
)

// APIError is a non-2xx platform response. It unwraps to the matching kiln
// sentinel so callers can use errors.Is.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return kiln.ErrNotFound
	case e.Status == http.StatusConflict:
		return kiln.ErrConflict
	case e.Status >= 500:
		return kiln.ErrTransport
	default:
		return nil
	}
}

// Client talks to one platform endpoint. It is safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	maxUploadBytes int64
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey authenticates every request with key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets a per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxUploadBytes rejects uploads larger than n bytes before sending them.
// Zero means no limit.
func WithMaxUploadBytes(n int64) Option {
	return func(c *Client) { c.maxUploadBytes = n }
}

// NewClient creates a client for the platform at endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the base URL of the platform.
func (c *Client) Endpoint() string { return c.baseURL }

func projectPath(p model.ProjectPath) string {
	return "/v1/projects/" + url.PathEscape(p.Owner) + "/" + url.PathEscape(p.Name)
}

func experimentPath(e model.ExperimentPath) string {
	return projectPath(e.Project) + "/experiments/" + strconv.Itoa(e.Number)
}

func modelPath(m model.ModelPath) string {
	return projectPath(m.Project) + "/models/" + url.PathEscape(m.Name)
}

// request describes one API call.
type request struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   io.Reader
	json   any
}

// do performs the request and decodes a JSON response into out when out is
// non-nil. The response body is always closed.
func (c *Client) do(ctx context.Context, req request, out any) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s response: %v", kiln.ErrTransport, req.method, req.path, err)
	}
	return nil
}

// download performs the request and returns the raw response body.
func (c *Client) download(ctx context.Context, req request) ([]byte, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", kiln.ErrTransport, req.path, err)
	}
	return data, nil
}

// send issues the request and converts non-2xx responses into *APIError.
// On success the caller owns the response body.
func (c *Client) send(ctx context.Context, req request) (*http.Response, error) {
	body := req.body
	if req.json != nil {
		data, err := json.Marshal(req.json)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.json != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set(HeaderAPIKey, c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", kiln.ErrTransport, req.method, req.path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	return apiErr
}

func (c *Client) checkUploadSize(n int) error {
	if c.maxUploadBytes > 0 && int64(n) > c.maxUploadBytes {
		return fmt.Errorf("upload of %d bytes exceeds configured limit of %d bytes", n, c.maxUploadBytes)
	}
	return nil
}

// IsNotFound reports whether err is a platform 404.
func IsNotFound(err error) bool {
	return errors.Is(err, kiln.ErrNotFound)
}
