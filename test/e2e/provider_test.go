package e2e

import (
	"bytes"
	"encoding/json"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seantiz/kiln/internal/model"
)

// runProvider runs kiln-provider with the job on stdin and returns its exit
// code and stderr.
func runProvider(t *testing.T, job []byte, env ...string) (int, string) {
	t.Helper()
	var stderr bytes.Buffer
	cmd := exec.Command(binary(t, "kiln-provider"), "-")
	cmd.Env = isolatedEnv(t, append([]string{
		"KILN_WORK_DIR=" + filepath.Join(t.TempDir(), "work"),
		"KILN_LOG_FORMAT=json",
	}, env...)...)
	cmd.Stdin = bytes.NewReader(job)
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, stderr.String()
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), stderr.String()
	default:
		t.Fatalf("run kiln-provider: %v", err)
		return -1, ""
	}
}

func TestProviderRejectsMalformedJob(t *testing.T) {
	code, stderr := runProvider(t, []byte(`{"function":"train","bogus":1}`))
	if code != 2 {
		t.Errorf("exit code = %d, want 2\nstderr:\n%s", code, stderr)
	}
	if !strings.Contains(stderr, "decode error") {
		t.Errorf("stderr does not report a decode error:\n%s", stderr)
	}
}

func TestProviderUnknownCodeVersion(t *testing.T) {
	hp := startHub(t)

	job, _ := json.Marshal(model.JobDescription{
		Function:    "train",
		Backend:     "auto",
		Procedure:   "training",
		Digest:      "0000000000000000000000000000000000000000000000000000000000000000",
		Namespace:   "acme",
		Project:     "mnist",
		APIEndpoint: hp.url,
		Key:         testAPIKey,
	})
	code, stderr := runProvider(t, job)
	if code != 2 {
		t.Errorf("exit code = %d, want 2\nstderr:\n%s", code, stderr)
	}
	if !strings.Contains(stderr, "unknown_code_version") {
		t.Errorf("stderr does not report unknown_code_version:\n%s", stderr)
	}
}
