package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/store"
)

func getHealth(t *testing.T, srv *Server) healthResponse {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealthzReportsSurfaces(t *testing.T) {
	got := getHealth(t, newTestServer(t).Server)
	if got != (healthResponse{Status: "ok", Hub: true, Executions: true}) {
		t.Errorf("full server health = %+v", got)
	}

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	status := NewServer(":0", Options{Executions: s}, logger)

	got = getHealth(t, status)
	if got.Hub || !got.Executions {
		t.Errorf("status server health = %+v, want executions only", got)
	}

	// Hub routes are not mounted on a status server.
	ts := httptest.NewServer(status.Router())
	defer ts.Close()
	resp, err := http.Head(ts.URL + "/v1/projects/acme/mnist/code/abc")
	if err != nil {
		t.Fatalf("HEAD code: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("hub route on status server = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	client, srv := newHubClient(t, Options{})
	pkg := packageTree(t, map[string]string{"go.mod": "module example.com/mnist\n"})
	if _, err := client.UploadCodeVersion(context.Background(), project, pkg.Digest, nil, pkg.Archive); err != nil {
		t.Fatalf("UploadCodeVersion: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", ct)
	}
	data, _ := io.ReadAll(resp.Body)
	body := string(data)
	for _, want := range []string{
		"kiln_http_requests_total",
		"kiln_http_request_duration_seconds",
		`kiln_hub_archive_bytes_total{direction="upload",kind="code"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
	if strings.Contains(body, pkg.Digest) {
		t.Error("metrics labels contain a digest")
	}
}

func TestListBackends(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/backends")
	if err != nil {
		t.Fatalf("GET /v1/backends: %v", err)
	}
	defer resp.Body.Close()

	var body listBackendsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got, want := len(body.Backends), len(backend.Builtin()); got != want {
		t.Errorf("listed %d backends, want %d", got, want)
	}
}
