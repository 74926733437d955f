// Command kiln-provider executes one submitted job on a compute provider.
//
// The job description is read as JSON from the first argument, or from stdin
// when the argument is missing or "-". The result is printed as JSON. The exit
// code is 0 when the function succeeded, 1 when it ran and failed and 2 when
// it could not be run at all.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln"
	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/platform"
	"github.com/seantiz/kiln/internal/provider"
	"github.com/seantiz/kiln/internal/store"
)

const (
	exitFailed = 1
	exitError  = 2
)

// exitCode carries a non-zero exit status out of RunE.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

type options struct {
	configPath  string
	metricsAddr string
}

func main() {
	cmd := newCommand()
	if err := cmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "kiln-provider [job.json | -]",
		Short: "Run a submitted kiln job",
		Long: `kiln-provider executes one job description produced by "kiln run --runner".

It downloads the code version named by the job, unpacks it into the work
directory and runs the function locally with the job's backend, config file
and overrides.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 1 {
				src = args[0]
			}
			return run(cmd.Context(), opts, src, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "",
		"config file (default ~/.config/kiln/config.yaml)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "",
		"serve metrics, execution status and logs on this address while the job runs")

	return cmd
}

func readJob(src string, stdin io.Reader) ([]byte, error) {
	if src == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(src)
}

func run(ctx context.Context, opts *options, src string, stdin io.Reader, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(exitError)
	}
	logger := config.NewLogger(os.Stderr, cfg.Level(), cfg.LogFormat)

	data, err := readJob(src, stdin)
	if err != nil {
		logger.Error("read job description", "error", err)
		return exitCode(exitError)
	}
	desc, err := provider.ParseJobDescription(data)
	if err != nil {
		logger.Error("parse job description", "error", err)
		return exitCode(exitError)
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			logger.Error("resolve work dir", "error", err)
			return exitCode(exitError)
		}
		workDir = filepath.Join(cache, "kiln", "provider")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		logger.Error("create work dir", "error", err)
		return exitCode(exitError)
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(workDir, "provider.db")
	}

	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Error("open database", "error", err)
		return exitCode(exitError)
	}
	defer db.Close()

	exec, err := engine.NewExecutor(engine.Options{
		WorkDir:     workDir,
		Store:       db,
		KilnVersion: cfg.KilnVersion,
		KilnDir:     cfg.KilnDir,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("create executor", "error", err)
		return exitCode(exitError)
	}

	if opts.metricsAddr != "" {
		srv := api.NewServer(opts.metricsAddr, api.Options{
			Executions: db,
			Broker:     exec.Broker(),
			APIKey:     cfg.APIKey,
		}, logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Warn("status server stopped", "error", err)
			}
		}()
	}

	endpoint := desc.APIEndpoint
	if endpoint == "" {
		endpoint = cfg.APIEndpoint
	}
	client := platform.NewClient(endpoint,
		platform.WithAPIKey(desc.Key),
		platform.WithTimeout(cfg.HTTPTimeout),
		platform.WithMaxUploadBytes(cfg.MaxUploadBytes),
	)

	adapter := provider.New(client, exec, workDir, logger)
	res, err := adapter.Run(ctx, desc)
	if err != nil {
		logger.Error("job failed to run", "kind", kiln.Kind(err), "error", err)
		return exitCode(exitError)
	}

	if err := writeResult(stdout, res); err != nil {
		logger.Error("write result", "error", err)
		return exitCode(exitError)
	}
	if !res.Success {
		return exitCode(exitFailed)
	}
	return nil
}

func writeResult(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
