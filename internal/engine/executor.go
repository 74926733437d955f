package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/function"
	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/codegen"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runconfig"
	"github.com/seantiz/kiln/internal/store"
)

// Options configures an Executor.
type Options struct {
	// WorkDir holds generated sources, cached binaries and per-run copies.
	WorkDir string
	Store   store.ExecutionStore
	// Backends defaults to backend.DefaultRegistry().
	Backends *backend.Registry
	// Toolchain defaults to GoToolchain{}.
	Toolchain Toolchain
	// Discoverer defaults to building the project's describe program.
	Discoverer Discoverer
	// KilnVersion is required by generated go.mod files; KilnDir replaces
	// the kiln module with a local checkout.
	KilnVersion string
	KilnDir     string
	Logger      *slog.Logger
}

// Executor runs functions locally. It is safe for concurrent use; identical
// builds share one compilation while distinct ones proceed in parallel.
type Executor struct {
	store       store.ExecutionStore
	backends    *backend.Registry
	discoverer  Discoverer
	programs    *programCache
	kilnVersion string
	kilnDir     string
	logger      *slog.Logger
	broker      *LogBroker
}

// NewExecutor creates an executor.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("%w: executor work dir is required", kiln.ErrInvalidConfig)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: executor store is required", kiln.ErrInvalidConfig)
	}
	if opts.Backends == nil {
		opts.Backends = backend.DefaultRegistry()
	}
	if opts.Toolchain == nil {
		opts.Toolchain = GoToolchain{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	programs := &programCache{toolchain: opts.Toolchain, workDir: opts.WorkDir}
	if opts.Discoverer == nil {
		opts.Discoverer = newBuildDiscoverer(programs, opts.KilnVersion, opts.KilnDir)
	}

	return &Executor{
		store:       opts.Store,
		backends:    opts.Backends,
		discoverer:  opts.Discoverer,
		programs:    programs,
		kilnVersion: opts.KilnVersion,
		kilnDir:     opts.KilnDir,
		logger:      opts.Logger,
		broker:      NewLogBroker(),
	}, nil
}

// Broker returns the broker carrying the log lines of running executions.
func (e *Executor) Broker() *LogBroker {
	return e.broker
}

// Functions lists the functions registered by the project.
func (e *Executor) Functions(ctx context.Context, info codegen.ProjectInfo, codeVersion string) ([]function.Descriptor, error) {
	return e.discoverer.Discover(ctx, info, codeVersion)
}

// Execute runs one function. Validation (function, backend, config and
// overrides) happens before anything is built. A function that runs and
// fails yields a result with Success false and a nil error; the error return
// is reserved for failures to get the function running.
func (e *Executor) Execute(ctx context.Context, cfg LocalExecutionConfig) (function.ExecutionResult, error) {
	id := cfg.runID
	if id == "" {
		id = model.NewID()
	}
	defer e.broker.Close(id)

	rec := &model.Execution{
		ID:          id,
		Status:      model.StatusPending,
		Function:    cfg.function,
		Backend:     cfg.backend,
		Procedure:   string(cfg.procedure),
		CodeVersion: cfg.codeVersion,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return function.ExecutionResult{}, fmt.Errorf("create execution: %w", err)
	}

	logger := e.logger.With("execution_id", id, "function", cfg.function)
	res, err := e.execute(ctx, cfg, rec, logger)
	e.finish(rec, res, err, logger)
	return res, err
}

func (e *Executor) execute(ctx context.Context, cfg LocalExecutionConfig, rec *model.Execution, logger *slog.Logger) (function.ExecutionResult, error) {
	descs, err := e.discoverer.Discover(ctx, cfg.project, cfg.codeVersion)
	if err != nil {
		return function.ExecutionResult{}, fmt.Errorf("discover functions: %w", err)
	}
	catalog, err := function.Catalog(descs)
	if err != nil {
		return function.ExecutionResult{}, err
	}
	desc, err := catalog.Resolve(cfg.function)
	if err != nil {
		return function.ExecutionResult{}, err
	}
	if desc.Procedure != cfg.procedure {
		return function.ExecutionResult{}, fmt.Errorf("%w: %q is a %s function, not %s", kiln.ErrUnknownFunction, desc.Name, desc.Procedure, cfg.procedure)
	}

	caps, err := e.backends.Resolve(cfg.backend, desc)
	if err != nil {
		return function.ExecutionResult{}, err
	}
	rec.Backend = caps.Name
	if err := backend.Check(caps, cfg.procedure, desc.Constraints); err != nil {
		return function.ExecutionResult{}, fmt.Errorf("function %q: %w", desc.Name, err)
	}

	config, err := runconfig.Resolve(desc.Defaults, cfg.configPaths, cfg.overrides, runconfig.Options{Strict: cfg.strict})
	if err != nil {
		return function.ExecutionResult{}, err
	}

	p, err := codegen.Generate(codegen.Request{
		Descriptor:  desc,
		Backend:     caps,
		Procedure:   cfg.procedure,
		Project:     cfg.project,
		KilnVersion: e.kilnVersion,
		KilnDir:     e.kilnDir,
		CodeVersion: cfg.codeVersion,
	})
	if err != nil {
		return function.ExecutionResult{}, err
	}

	if err := e.transition(ctx, rec, model.StatusBuilding); err != nil {
		return function.ExecutionResult{}, err
	}
	logger.Info("building", "backend", caps.Name, "fingerprint", p.Fingerprint())
	cached, shared, err := e.programs.build(ctx, buildRequest{
		key:     strings.Join([]string{cfg.function, caps.Name, string(cfg.procedure), cfg.codeVersion}, "\x00"),
		name:    buildDirName(cfg, caps.Name),
		project: p,
		backend: caps.Name,
		reuse:   cfg.codeVersion != "",
	})
	if err != nil {
		return function.ExecutionResult{}, err
	}
	if shared {
		logger.Debug("shared build", "binary", cached)
	}

	bin, err := e.stageBinary(cached, cfg.project, rec.ID)
	if err != nil {
		return function.ExecutionResult{}, fmt.Errorf("%w: %v", kiln.ErrRun, err)
	}
	defer os.Remove(bin)
	rec.Binary = bin

	if err := e.transition(ctx, rec, model.StatusRunning); err != nil {
		return function.ExecutionResult{}, err
	}
	logger.Info("running", "binary", bin)

	return e.run(ctx, bin, function.Invocation{
		Function:    desc.Name,
		Backend:     caps.Name,
		Procedure:   cfg.procedure,
		RunID:       rec.ID,
		Config:      config,
		ArtifactDir: cfg.artifactDir,
		Platform:    cfg.platform,
	}, rec.ID)
}

// run drives the program: the invocation goes to stdin, frames come back on
// stdout and anything on stderr is kept as log output.
func (e *Executor) run(ctx context.Context, bin string, inv function.Invocation, id string) (function.ExecutionResult, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return function.ExecutionResult{}, fmt.Errorf("%w: encode invocation: %v", kiln.ErrRun, err)
	}

	var seq int
	var seqMu sync.Mutex
	emit := func(line string) {
		seqMu.Lock()
		n := seq
		seq++
		seqMu.Unlock()
		if err := e.store.InsertLogLine(context.WithoutCancel(ctx), id, n, line); err != nil {
			e.logger.Error("failed to persist log line", "execution_id", id, "seq", n, "error", err)
		}
		e.broker.Publish(id, line)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	var result *function.ExecutionResult
	var runErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runErr = e.programs.toolchain.Run(gctx, bin, []string{function.ModeRun}, bytes.NewReader(payload), stdoutW, stderrW)
		stdoutW.Close()
		stderrW.Close()
		return nil
	})
	g.Go(func() error {
		defer io.Copy(io.Discard, stdoutR)
		for {
			var msg function.Message
			if err := function.ReadMessage(stdoutR, &msg); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("%w: read frame: %v", kiln.ErrRun, err)
			}
			switch msg.Type {
			case function.MsgTypeLog:
				emit(msg.Line)
			case function.MsgTypeResult:
				result = msg.Result
			}
		}
	})
	g.Go(func() error {
		sc := bufio.NewScanner(stderrR)
		sc.Buffer(make([]byte, 64*1024), function.MaxMessageSize)
		for sc.Scan() {
			emit(sc.Text())
		}
		io.Copy(io.Discard, stderrR)
		return nil
	})
	if err := g.Wait(); err != nil {
		return function.ExecutionResult{}, err
	}

	if result == nil {
		if runErr == nil {
			runErr = errors.New("no result")
		}
		return function.ExecutionResult{}, fmt.Errorf("%w: program exited without a result: %v", kiln.ErrRun, runErr)
	}
	return *result, nil
}

func (e *Executor) transition(ctx context.Context, rec *model.Execution, status string) error {
	if err := e.store.UpdateExecutionStatus(ctx, rec.ID, status); err != nil {
		return fmt.Errorf("execution %s -> %s: %w", rec.ID, status, err)
	}
	rec.Status = status
	now := time.Now().UTC()
	if status == model.StatusBuilding {
		rec.StartedAt = &now
	}
	return nil
}

// finish records the outcome. It runs on a fresh context so a cancelled
// execution is still marked failed.
func (e *Executor) finish(rec *model.Execution, res function.ExecutionResult, err error, logger *slog.Logger) {
	now := time.Now().UTC()
	rec.FinishedAt = &now
	if rec.StartedAt != nil {
		d := int(now.Sub(*rec.StartedAt).Milliseconds())
		rec.DurationMS = &d
	}

	switch {
	case err != nil:
		rec.Status = model.StatusFailed
		rec.ErrorKind = kiln.Kind(err)
		rec.Error = err.Error()
		logger.Warn("execution failed", "error_kind", rec.ErrorKind, "error", err)
	case !res.Success:
		rec.Status = model.StatusFailed
		if res.Error != nil {
			rec.ErrorKind = res.Error.Kind
			rec.Error = res.Error.Message
		}
		logger.Info("function failed", "error_kind", rec.ErrorKind, "error", rec.Error)
	default:
		rec.Status = model.StatusSucceeded
		rec.Output = res.Output
		logger.Info("function succeeded", "duration_ms", rec.DurationMS)
	}
	executionsTotal.WithLabelValues(rec.Procedure, rec.Status).Inc()

	if err := e.store.UpdateExecution(context.Background(), rec); err != nil {
		e.logger.Error("failed to record execution outcome", "execution_id", rec.ID, "error", err)
	}
}

// stageBinary copies the cached program to <workdir>/bin/<project>-<run id>
// so every run executes its own file.
func (e *Executor) stageBinary(cached string, info codegen.ProjectInfo, runID string) (string, error) {
	dir := filepath.Join(e.programs.workDir, "bin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bin dir: %w", err)
	}
	dst := filepath.Join(dir, path.Base(info.ModulePath)+"-"+runID)

	src, err := os.Open(cached)
	if err != nil {
		return "", fmt.Errorf("open built program: %w", err)
	}
	defer src.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("copy program: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", dst, err)
	}
	return dst, nil
}

func buildDirName(cfg LocalExecutionConfig, backendName string) string {
	stamp := cfg.codeVersion
	if len(stamp) > 12 {
		stamp = stamp[:12]
	}
	if stamp == "" {
		stamp = "local"
	}
	name := strings.Join([]string{cfg.function, backendName, string(cfg.procedure), stamp}, "-")
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == ' ' {
			return '_'
		}
		return r
	}, name)
}
