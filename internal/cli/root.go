// Package cli implements the kiln command line.
//
// Commands follow the cobra layout of one constructor per command. Each
// constructor takes the shared GlobalOptions and returns a *cobra.Command
// whose RunE does the work.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/platform"
	"github.com/seantiz/kiln/internal/project"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/submit"
)

const (
	cliName        = "kiln"
	cliDescription = "kiln - package, run and submit Go training and inference functions"

	// workDirName is created next to kiln.yaml for builds and local records.
	workDirName = ".kiln"
)

// GlobalOptions holds options that are common to all commands.
type GlobalOptions struct {
	// ConfigPath overrides the default config file location.
	ConfigPath string

	// ProjectDir is where the search for kiln.yaml starts.
	ProjectDir string

	// Verbose switches logging to debug level.
	Verbose bool

	// toolchain replaces the go command in tests.
	toolchain engine.Toolchain
	// stderr receives logs; os.Stderr when nil.
	stderr io.Writer
}

// NewKilnCommand creates the root kiln command with all subcommands.
func NewKilnCommand() *cobra.Command {
	return newRootCommand(&GlobalOptions{})
}

func newRootCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   cliName,
		Short: cliDescription,
		Long: `kiln builds the functions a Go project registers into standalone programs
and runs them locally, or packages the project as a code version and submits
jobs to a compute provider through the platform.

Commands look for kiln.yaml in the current directory or its parents.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config-file", "",
		"config file (default ~/.config/kiln/config.yaml)")
	cmd.PersistentFlags().StringVarP(&opts.ProjectDir, "project", "C", ".",
		"directory to search for kiln.yaml")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose output")

	cmd.AddCommand(
		NewPackageCommand(opts),
		NewRunCommand(opts),
		NewFunctionsCommand(opts),
		NewModelsCommand(opts),
		NewRunsCommand(opts),
	)

	return cmd
}

// session is the state shared by commands once config is loaded.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	project *project.Project
	workDir string
	opts    *GlobalOptions
}

// newSession loads config and, when needProject is set, the enclosing
// project.
func newSession(opts *GlobalOptions, needProject bool) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Level()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	stderr := opts.stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	s := &session{
		cfg:    cfg,
		logger: config.NewLogger(stderr, level, cfg.LogFormat),
		opts:   opts,
	}
	if !needProject {
		return s, nil
	}

	p, err := project.Find(opts.ProjectDir)
	if err != nil {
		return nil, err
	}
	s.project = p
	s.workDir = cfg.WorkDir
	if s.workDir == "" {
		s.workDir = filepath.Join(p.Dir, workDirName)
	}
	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return s, nil
}

// openStore opens the local execution database.
func (s *session) openStore() (*store.SQLiteStore, error) {
	dbPath := s.cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(s.workDir, "kiln.db")
	}
	return store.NewSQLiteStore(dbPath)
}

func (s *session) executor(st store.ExecutionStore) (*engine.Executor, error) {
	return engine.NewExecutor(engine.Options{
		WorkDir:     s.workDir,
		Store:       st,
		Toolchain:   s.opts.toolchain,
		KilnVersion: s.cfg.KilnVersion,
		KilnDir:     s.cfg.KilnDir,
		Logger:      s.logger,
	})
}

// platform returns a client for the configured endpoint.
func (s *session) platform() (*platform.Client, error) {
	if s.cfg.APIEndpoint == "" {
		return nil, fmt.Errorf("%w: api_endpoint is not set (KILN_API_ENDPOINT)", kiln.ErrInvalidConfig)
	}
	return platform.NewClient(s.cfg.APIEndpoint,
		platform.WithAPIKey(s.cfg.APIKey),
		platform.WithTimeout(s.cfg.HTTPTimeout),
		platform.WithMaxUploadBytes(s.cfg.MaxUploadBytes),
	), nil
}

// packageProject packages the project tree as a code version.
func (s *session) packageProject(ctx context.Context) (*submit.Package, error) {
	p := &submit.Packager{Exclude: s.project.Exclude}
	return p.Package(ctx, s.project.Dir)
}
