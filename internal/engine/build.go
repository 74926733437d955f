package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/internal/codegen"
)

// lockRetry is how often a process waiting for another one's build polls
// the lock.
const lockRetry = 50 * time.Millisecond

// programCache writes generated programs under <workdir>/gen and keeps built
// binaries under <workdir>/cache/<fingerprint>. Identical builds in flight at
// the same time are collapsed into one within a process, and serialized by a
// lock file per fingerprint across processes sharing the work dir.
type programCache struct {
	toolchain Toolchain
	workDir   string
	group     singleflight.Group
}

type buildRequest struct {
	// key identifies identical builds.
	key string
	// name prefixes the directory under gen/ holding the sources.
	name    string
	project *codegen.Project
	backend string
	// reuse allows an existing binary with the same fingerprint to be used.
	// Only programs stamped with a code version may be reused, since user
	// sources are not part of the fingerprint.
	reuse bool
}

// build returns the path of the compiled program and whether the result was
// shared with a concurrent caller.
func (c *programCache) build(ctx context.Context, req buildRequest) (string, bool, error) {
	v, err, shared := c.group.Do(req.key, func() (any, error) {
		return c.compile(ctx, req)
	})
	if shared {
		sharedBuildsTotal.Inc()
	}
	if err != nil {
		return "", shared, err
	}
	return v.(string), shared, nil
}

func (c *programCache) compile(ctx context.Context, req buildRequest) (string, error) {
	fp := req.project.Fingerprint()
	cacheDir := filepath.Join(c.workDir, "cache")
	bin := filepath.Join(cacheDir, fp, "program")
	if err := os.MkdirAll(filepath.Dir(bin), 0o755); err != nil {
		return "", fmt.Errorf("%w: create cache dir: %v", kiln.ErrBuild, err)
	}

	lock := flock.New(filepath.Join(cacheDir, fp+".lock"))
	if _, err := lock.TryLockContext(ctx, lockRetry); err != nil {
		return "", fmt.Errorf("%w: lock build cache: %v", kiln.ErrBuild, err)
	}
	defer lock.Unlock()

	// Checked under the lock: another process may have installed it.
	if req.reuse {
		if st, err := os.Stat(bin); err == nil && st.Mode().IsRegular() {
			return bin, nil
		}
	}

	src := filepath.Join(c.workDir, "gen", req.name+"-"+fp[:min(len(fp), 12)])
	if _, err := req.project.WriteTo(src); err != nil {
		return "", fmt.Errorf("%w: write generated project: %v", kiln.ErrBuild, err)
	}

	outDir, err := os.MkdirTemp(filepath.Dir(bin), "build-*")
	if err != nil {
		return "", fmt.Errorf("%w: create build output: %v", kiln.ErrBuild, err)
	}
	defer os.RemoveAll(outDir)
	tmp := filepath.Join(outDir, "program")

	start := time.Now()
	err = c.toolchain.Build(ctx, src, tmp, req.project.Tags)
	buildDuration.WithLabelValues(req.backend).Observe(time.Since(start).Seconds())
	if err != nil {
		buildsTotal.WithLabelValues(req.backend, "failed").Inc()
		if !errors.Is(err, kiln.ErrBuild) {
			err = fmt.Errorf("%w: %w", kiln.ErrBuild, err)
		}
		return "", err
	}
	if err := os.Rename(tmp, bin); err != nil {
		buildsTotal.WithLabelValues(req.backend, "failed").Inc()
		return "", fmt.Errorf("%w: install binary: %v", kiln.ErrBuild, err)
	}
	buildsTotal.WithLabelValues(req.backend, "succeeded").Inc()
	return bin, nil
}
