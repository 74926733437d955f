package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/function"
	"github.com/seantiz/kiln/internal/codegen"
)

// Discoverer lists the functions a project registers.
type Discoverer interface {
	Discover(ctx context.Context, info codegen.ProjectInfo, codeVersion string) ([]function.Descriptor, error)
}

// StaticDiscoverer returns a fixed set of descriptors.
type StaticDiscoverer []function.Descriptor

// Discover implements Discoverer.
func (s StaticDiscoverer) Discover(context.Context, codegen.ProjectInfo, string) ([]function.Descriptor, error) {
	return s, nil
}

// BuildDiscoverer builds and runs the project's describe program. Results
// are memoized per project and code version.
type BuildDiscoverer struct {
	cache       *programCache
	kilnVersion string
	kilnDir     string

	mu      sync.Mutex
	results map[string][]function.Descriptor
}

func newBuildDiscoverer(cache *programCache, kilnVersion, kilnDir string) *BuildDiscoverer {
	return &BuildDiscoverer{
		cache:       cache,
		kilnVersion: kilnVersion,
		kilnDir:     kilnDir,
		results:     make(map[string][]function.Descriptor),
	}
}

// Discover implements Discoverer.
func (d *BuildDiscoverer) Discover(ctx context.Context, info codegen.ProjectInfo, codeVersion string) ([]function.Descriptor, error) {
	memoKey := info.Dir + "@" + codeVersion
	if codeVersion != "" {
		d.mu.Lock()
		descs, ok := d.results[memoKey]
		d.mu.Unlock()
		if ok {
			return descs, nil
		}
	}

	p, err := codegen.GenerateDescribe(info, d.kilnVersion, d.kilnDir, codeVersion)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("describe-%x", xxhash.Sum64String(info.Dir))
	bin, _, err := d.cache.build(ctx, buildRequest{
		key:     "describe\x00" + memoKey,
		name:    name,
		project: p,
		backend: "describe",
		reuse:   codeVersion != "",
	})
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	runErr := d.cache.toolchain.Run(ctx, bin, []string{function.ModeDescribe}, nil, &stdout, &stderr)
	descs, err := decodeDescribe(stdout.Bytes())
	if err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("%w: describe: %v: %s", kiln.ErrRun, runErr, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}

	if codeVersion != "" {
		d.mu.Lock()
		d.results[memoKey] = descs
		d.mu.Unlock()
	}
	return descs, nil
}

// decodeDescribe parses describe output: an array of descriptors, or a
// failed result object.
func decodeDescribe(out []byte) ([]function.Descriptor, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var res function.ExecutionResult
		if err := json.Unmarshal(trimmed, &res); err != nil {
			return nil, fmt.Errorf("%w: describe result: %v", kiln.ErrDecode, err)
		}
		if res.Error == nil {
			return nil, fmt.Errorf("%w: describe returned no functions", kiln.ErrDecode)
		}
		return nil, res.Error.Err()
	}
	var descs []function.Descriptor
	if err := json.Unmarshal(trimmed, &descs); err != nil {
		return nil, fmt.Errorf("%w: describe output: %v", kiln.ErrDecode, err)
	}
	return descs, nil
}
