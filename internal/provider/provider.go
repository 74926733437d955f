// Package provider runs submitted jobs on a compute provider. It turns a job
// description into a local execution of the code version it names, using the
// same executor as the CLI.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/function"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/platform"
	"github.com/seantiz/kiln/internal/project"
	"github.com/seantiz/kiln/internal/runconfig"
)

// CodeSource downloads packaged code versions.
type CodeSource interface {
	DownloadCodeVersion(ctx context.Context, p model.ProjectPath, digest string) ([]byte, error)
}

var _ CodeSource = (*platform.Client)(nil)

// Executor runs one local execution.
type Executor interface {
	Execute(ctx context.Context, cfg engine.LocalExecutionConfig) (function.ExecutionResult, error)
}

var _ Executor = (*engine.Executor)(nil)

// Adapter executes job descriptions.
type Adapter struct {
	code     CodeSource
	executor Executor
	workDir  string
	logger   *slog.Logger
	fetches  singleflight.Group
}

// New creates an adapter. Code versions are unpacked under workDir/code and
// reused by later jobs on the same digest.
func New(code CodeSource, executor Executor, workDir string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{code: code, executor: executor, workDir: workDir, logger: logger}
}

// ParseJobDescription decodes a job description. Unknown fields are rejected.
func ParseJobDescription(data []byte) (model.JobDescription, error) {
	var desc model.JobDescription
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&desc); err != nil {
		return model.JobDescription{}, fmt.Errorf("%w: job description: %w", kiln.ErrDecode, err)
	}
	return desc, nil
}

// Run executes desc and returns the function's result. As with local runs,
// a function that fails is reported in the result with a nil error.
func (a *Adapter) Run(ctx context.Context, desc model.JobDescription) (function.ExecutionResult, error) {
	start := time.Now()
	result, err := a.run(ctx, desc)

	status := "succeeded"
	switch {
	case err != nil:
		status = "error"
	case !result.Success:
		status = "failed"
	}
	jobsTotal.WithLabelValues(status).Inc()
	a.logger.Info("job finished",
		"function", desc.Function,
		"digest", desc.Digest,
		"status", status,
		"duration", time.Since(start),
	)
	return result, err
}

func (a *Adapter) run(ctx context.Context, desc model.JobDescription) (function.ExecutionResult, error) {
	procedure, err := function.ParseProcedure(desc.Procedure)
	if err != nil {
		return function.ExecutionResult{}, fmt.Errorf("%w: %w", kiln.ErrDecode, err)
	}
	if desc.Digest == "" {
		return function.ExecutionResult{}, fmt.Errorf("%w: job has no digest", kiln.ErrUnknownCodeVersion)
	}
	// The digest names a directory under the work dir.
	if !bundle.ValidDigest(desc.Digest) {
		return function.ExecutionResult{}, fmt.Errorf("%w: malformed digest %q", kiln.ErrDecode, desc.Digest)
	}
	projPath := desc.ProjectPath()

	dir, err := a.checkout(ctx, projPath, desc.Digest)
	if err != nil {
		return function.ExecutionResult{}, err
	}
	proj, err := project.Load(dir)
	if err != nil {
		return function.ExecutionResult{}, err
	}

	overrides, err := parseOverrides(desc.Overrides)
	if err != nil {
		return function.ExecutionResult{}, err
	}

	b := engine.NewLocalExecution(desc.Function, procedure).
		Backend(desc.Backend).
		CodeVersion(desc.Digest).
		Project(proj.Info()).
		Override(overrides...)
	if desc.ConfigPath != "" {
		rel, err := bundle.NormalizePath(desc.ConfigPath)
		if err != nil {
			return function.ExecutionResult{}, fmt.Errorf("%w: config path: %w", kiln.ErrInvalidConfig, err)
		}
		b.ConfigFile(filepath.Join(dir, filepath.FromSlash(rel)))
	}
	if desc.Experiment > 0 {
		b.Platform(function.PlatformTarget{
			Endpoint:   desc.APIEndpoint,
			APIKey:     desc.Key,
			Owner:      projPath.Owner,
			Project:    projPath.Name,
			Experiment: desc.Experiment,
		})
	}
	cfg, err := b.Build()
	if err != nil {
		return function.ExecutionResult{}, err
	}

	a.logger.Info("running job",
		"function", desc.Function,
		"procedure", desc.Procedure,
		"backend", desc.Backend,
		"project", projPath.String(),
		"digest", desc.Digest,
	)
	return a.executor.Execute(ctx, cfg)
}

// parseOverrides turns [key, JSON value] pairs back into overrides.
func parseOverrides(pairs [][2]string) ([]runconfig.Override, error) {
	args := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		args = append(args, kv[0]+"="+kv[1])
	}
	return runconfig.ParseOverrides(args)
}

// checkout returns the directory holding the unpacked code version, fetching
// it on first use. Concurrent jobs on one digest share a single download.
func (a *Adapter) checkout(ctx context.Context, p model.ProjectPath, digest string) (string, error) {
	dir := filepath.Join(a.workDir, "code", digest)
	if _, err := os.Stat(dir); err == nil {
		checkoutsTotal.WithLabelValues("hit").Inc()
		return dir, nil
	}

	_, err, _ := a.fetches.Do(digest, func() (any, error) {
		if _, err := os.Stat(dir); err == nil {
			return nil, nil
		}
		checkoutsTotal.WithLabelValues("miss").Inc()

		data, err := a.code.DownloadCodeVersion(ctx, p, digest)
		if err != nil {
			if kiln.Kind(err) == "not_found" {
				return nil, fmt.Errorf("%w: %s in %s", kiln.ErrUnknownCodeVersion, digest, p)
			}
			return nil, err
		}
		tree, err := bundle.ReadArchive(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: code version %s: %w", kiln.ErrDecode, digest, err)
		}
		got, err := bundle.Digest(tree)
		if err != nil {
			return nil, err
		}
		if got != digest {
			return nil, fmt.Errorf("%w: code version digest mismatch: got %s, want %s", kiln.ErrDecode, got, digest)
		}

		sink, err := bundle.NewDirSink(dir)
		if err != nil {
			return nil, err
		}
		defer sink.Abort()
		if err := bundle.Copy(sink, tree); err != nil {
			return nil, err
		}
		a.logger.Info("code version fetched", "digest", digest, "files", tree.Len())
		return nil, sink.Commit()
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}
