package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/function"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/runconfig"
	"github.com/seantiz/kiln/internal/submit"
)

// RunOptions holds options for the run command.
type RunOptions struct {
	*GlobalOptions

	Backend     string
	ConfigFiles []string
	Set         []string
	Strict      bool

	// Runner submits the job to this provider group instead of running
	// locally.
	Runner string

	// Version is the code version digest of a remote run. Without it the
	// project is packaged and published first.
	Version string

	// Experiment binds artifact uploads to a platform experiment.
	Experiment int
}

// NewRunCommand creates the run command.
//
// Usage:
//
//	kiln run training|inference FUNCTION [OPTIONS]
func NewRunCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &RunOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "run training|inference FUNCTION",
		Short: "Run a function locally or submit it to a provider",
		Long: `Run builds the function into a standalone program for the chosen backend
and executes it, streaming its log lines.

Config is layered: the function's defaults, then each --config file in
order, then each --set override. With --runner the run is submitted as a
job to that provider group instead.`,
		Example: `  # Train locally with two overrides
  kiln run training mnist --set epochs=3 --set optimizer.lr=0.01

  # Submit to the gpu provider group
  kiln run training mnist --backend wgpu --runner gpu`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), opts, args[0], args[1], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.Backend, "backend", "b", "",
		"backend to build for (default: chosen from the function's constraints)")
	cmd.Flags().StringArrayVarP(&opts.ConfigFiles, "config", "c", nil,
		"config file, repeatable; later files win")
	cmd.Flags().StringArrayVar(&opts.Set, "set", nil,
		"config override key=value, repeatable")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false,
		"reject config keys the function's defaults do not declare")
	cmd.Flags().StringVar(&opts.Runner, "runner", "",
		"submit to this provider group instead of running locally")
	cmd.Flags().StringVar(&opts.Version, "version", "",
		"code version digest for remote runs (default: package and publish the project)")
	cmd.Flags().IntVar(&opts.Experiment, "experiment", 0,
		"experiment number receiving artifacts")

	return cmd
}

func runRun(ctx context.Context, opts *RunOptions, proc, fn string, out io.Writer) error {
	procedure, err := function.ParseProcedure(proc)
	if err != nil {
		return err
	}
	overrides, err := runconfig.ParseOverrides(opts.Set)
	if err != nil {
		return err
	}
	s, err := newSession(opts.GlobalOptions, true)
	if err != nil {
		return err
	}
	if opts.Runner != "" {
		return submitRun(ctx, s, opts, procedure, fn, overrides, out)
	}
	return localRun(ctx, s, opts, procedure, fn, overrides, out)
}

func localRun(ctx context.Context, s *session, opts *RunOptions, procedure function.ProcedureType, fn string, overrides []runconfig.Override, out io.Writer) error {
	pkg, err := s.packageProject(ctx)
	if err != nil {
		return fmt.Errorf("package project: %w", err)
	}
	st, err := s.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	exec, err := s.executor(st)
	if err != nil {
		return err
	}

	runID := model.NewID()
	b := engine.NewLocalExecution(fn, procedure).
		Backend(opts.Backend).
		CodeVersion(pkg.Digest).
		Project(s.project.Info()).
		RunID(runID).
		ArtifactDir(filepath.Join(s.workDir, "artifacts", runID)).
		Override(overrides...)
	for _, c := range opts.ConfigFiles {
		b.ConfigFile(c)
	}
	if opts.Strict {
		b.StrictConfig()
	}
	if opts.Experiment > 0 {
		if s.cfg.APIEndpoint == "" {
			return errors.New("--experiment needs api_endpoint to be configured")
		}
		p := s.project.Path()
		b.Platform(function.PlatformTarget{
			Endpoint:   s.cfg.APIEndpoint,
			APIKey:     s.cfg.APIKey,
			Owner:      p.Owner,
			Project:    p.Name,
			Experiment: opts.Experiment,
		})
	}
	cfg, err := b.Build()
	if err != nil {
		return err
	}

	lines, unsubscribe := exec.Broker().Subscribe(runID)
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range lines {
			fmt.Fprintln(out, line)
		}
	}()

	res, err := exec.Execute(ctx, cfg)
	<-done
	if err != nil {
		return err
	}
	if !res.Success {
		if res.Error == nil {
			return fmt.Errorf("run %s: %w", runID, kiln.ErrRun)
		}
		return fmt.Errorf("run %s: %w", runID, res.Error.Err())
	}
	if res.Output != "" {
		fmt.Fprintf(out, "Output: %s\n", res.Output)
	}
	fmt.Fprintf(out, "Run %s succeeded\n", runID)
	return nil
}

func submitRun(ctx context.Context, s *session, opts *RunOptions, procedure function.ProcedureType, fn string, overrides []runconfig.Override, out io.Writer) error {
	if len(opts.ConfigFiles) > 1 {
		return errors.New("remote runs take at most one --config file")
	}
	if opts.Strict {
		return errors.New("--strict only applies to local runs")
	}
	client, err := s.platform()
	if err != nil {
		return err
	}

	digest := opts.Version
	if digest == "" {
		pkg, err := s.packageProject(ctx)
		if err != nil {
			return fmt.Errorf("package project: %w", err)
		}
		cv, uploaded, err := s.publish(ctx, pkg)
		if err != nil {
			return err
		}
		if uploaded {
			fmt.Fprintf(out, "Uploaded code version %s\n", cv.Digest)
		}
		digest = pkg.Digest
	}

	b := submit.NewJobSubmission(fn, procedure).
		Backend(opts.Backend).
		CodeVersion(digest).
		ProviderGroup(opts.Runner).
		Project(s.project.Path()).
		Credentials(s.cfg.APIEndpoint, s.cfg.APIKey).
		Experiment(opts.Experiment).
		Override(overrides...)
	if len(opts.ConfigFiles) == 1 {
		rel, err := projectRelative(s.project.Dir, opts.ConfigFiles[0])
		if err != nil {
			return err
		}
		b.ConfigFile(rel)
	}
	cfg, err := b.Build()
	if err != nil {
		return err
	}

	id, err := submit.NewClient(client).SubmitJob(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Submitted job %s to %s\n", id, opts.Runner)
	return nil
}

// projectRelative turns a config path into the slash-separated path the
// provider resolves inside the unpacked code version.
func projectRelative(root, p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("config file %s is outside the project", p)
	}
	return filepath.ToSlash(rel), nil
}
