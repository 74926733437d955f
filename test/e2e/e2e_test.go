// Package e2e builds the kiln binaries and drives them as subprocesses.
package e2e

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
	testAPIKey     = "e2e-secret"
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// binary returns the path of a built command under cmd/. All commands are
// built once per test run.
func binary(t *testing.T, name string) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "kiln-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		for _, cmdName := range []string{"kiln-hub", "kiln-provider"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, cmdName), "./cmd/"+cmdName)
			cmd.Dir = findModuleRoot(t)
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", cmdName, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, name)
}

func findModuleRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find module root")
		}
		dir = parent
	}
}

// isolatedEnv keeps the user's config file and KILN_ variables away from the
// subprocess.
func isolatedEnv(t *testing.T, extra ...string) []string {
	t.Helper()
	var env []string
	for _, kv := range os.Environ() {
		if len(kv) >= 5 && kv[:5] == "KILN_" {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "XDG_CONFIG_HOME="+t.TempDir(), "HOME="+t.TempDir())
	return append(env, extra...)
}

// hubProc holds the running hub subprocess and its output.
type hubProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

func startHub(t *testing.T) *hubProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary(t, "kiln-hub"))
	cmd.Env = isolatedEnv(t,
		"KILN_LISTEN_ADDR="+addr,
		"KILN_DB_PATH="+filepath.Join(t.TempDir(), "hub.db"),
		"KILN_API_KEY="+testAPIKey,
		"KILN_LOG_FORMAT=json",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	hp := &hubProc{cmd: cmd, stdout: stdout, url: "http://" + addr}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(hp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return hp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("hub did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}
