package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
)

func testArchive(t *testing.T, files bundle.Files) ([]byte, string) {
	t.Helper()
	sink := bundle.NewMemorySink()
	if err := files.EncodeBundle(sink); err != nil {
		t.Fatal(err)
	}
	digest, err := bundle.Digest(sink.Reader())
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := bundle.WriteArchive(&buf, sink.Reader()); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), digest
}

func TestHubHealthz(t *testing.T) {
	hp := startHub(t)

	resp, err := http.Get(hp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status     string `json:"status"`
		Hub        bool   `json:"hub"`
		Executions bool   `json:"executions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "ok" || !body.Hub || body.Executions {
		t.Errorf("health = %+v, want ok with hub routes only", body)
	}
}

func TestHubMetrics(t *testing.T) {
	hp := startHub(t)

	// One request so the counters have a sample.
	if resp, err := http.Get(hp.url + "/healthz"); err == nil {
		resp.Body.Close()
	}
	resp, err := http.Get(hp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	for _, name := range []string{"kiln_http_requests_total", "kiln_http_request_duration_seconds"} {
		if !strings.Contains(string(data), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestHubRequiresAPIKey(t *testing.T) {
	hp := startHub(t)

	resp, err := http.Get(hp.url + "/v1/backends")
	if err != nil {
		t.Fatalf("GET /v1/backends: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	_, err = platform.NewClient(hp.url, platform.WithAPIKey("wrong")).
		HasCodeVersion(context.Background(), model.ProjectPath{Owner: "acme", Name: "mnist"}, "abc")
	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("err = %v, want a 401 APIError", err)
	}
}

func TestHubCodeVersionAndJob(t *testing.T) {
	hp := startHub(t)
	ctx := context.Background()
	client := platform.NewClient(hp.url, platform.WithAPIKey(testAPIKey), platform.WithTimeout(5*time.Second))
	project := model.ProjectPath{Owner: "acme", Name: "mnist"}

	archive, digest := testArchive(t, bundle.Files{
		"go.mod":    []byte("module example.com/mnist\n"),
		"kiln.yaml": []byte("owner: acme\nname: mnist\n"),
	})
	fns := []model.Function{{Name: "train", Procedure: "training"}}
	if _, err := client.UploadCodeVersion(ctx, project, digest, fns, archive); err != nil {
		t.Fatalf("UploadCodeVersion: %v", err)
	}
	ok, err := client.HasCodeVersion(ctx, project, digest)
	if err != nil || !ok {
		t.Fatalf("HasCodeVersion = %v, %v; want true", ok, err)
	}

	payload, _ := json.Marshal(model.JobDescription{Function: "train", Procedure: "training", Digest: digest})
	job, err := client.SubmitJob(ctx, project, platform.JobRequest{ProviderGroup: "gpu", Digest: digest, Job: payload})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	got, err := client.GetJob(ctx, project, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ProviderGroup != "gpu" || got.Digest != digest {
		t.Errorf("job = %+v", got)
	}

	_, err = client.SubmitJob(ctx, project, platform.JobRequest{ProviderGroup: "gpu", Digest: "missing", Job: payload})
	if !errors.Is(err, kiln.ErrNotFound) {
		t.Errorf("submit on missing code version err = %v, want ErrNotFound", err)
	}
}

func TestHubStructuredLogs(t *testing.T) {
	hp := startHub(t)

	resp, err := http.Get(hp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(hp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	found := false
	sc := bufio.NewScanner(strings.NewReader(hp.stdout.String()))
	for sc.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] != "request" {
			continue
		}
		found = true
		for _, key := range []string{"method", "path", "status", "duration_ms"} {
			if _, ok := entry[key]; !ok {
				t.Errorf("request log missing field %q", key)
			}
		}
	}
	if !found {
		t.Errorf("no structured request log found\noutput:\n%s", hp.stdout.String())
	}
}
