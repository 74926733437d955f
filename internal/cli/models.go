package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/bundle"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/registry"
)

// ModelsOptions holds options for the models subcommands.
type ModelsOptions struct {
	*GlobalOptions

	// Version selects a model version; 0 means the latest.
	Version uint32

	// Output is the directory the model bundle is extracted into.
	Output string
}

// NewModelsCommand creates the models command group.
func NewModelsCommand(globalOpts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and download published models",
	}
	cmd.AddCommand(
		newModelsShowCommand(globalOpts),
		newModelsDownloadCommand(globalOpts),
	)
	return cmd
}

func newModelsShowCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ModelsOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "show OWNER/PROJECT/MODEL",
		Short: "Show a model and one of its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsShow(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().Uint32Var(&opts.Version, "version", 0, "model version (default: latest)")
	return cmd
}

func newModelsDownloadCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ModelsOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "download OWNER/PROJECT/MODEL",
		Short: "Download a model version into a directory",
		Example: `  # Latest version into ./mnist
  kiln models download acme/vision/mnist

  # Version 2 into ./models/mnist-v2
  kiln models download acme/vision/mnist --version 2 -o models/mnist-v2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsDownload(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().Uint32Var(&opts.Version, "version", 0, "model version (default: latest)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "destination directory (default: the model name)")
	return cmd
}

// modelScope parses arg and binds a registry scope to it.
func modelScope(opts *ModelsOptions, arg string) (*registry.Scope, error) {
	path, err := model.ParseModelPath(arg)
	if err != nil {
		return nil, err
	}
	s, err := newSession(opts.GlobalOptions, false)
	if err != nil {
		return nil, err
	}
	client, err := s.platform()
	if err != nil {
		return nil, err
	}
	return registry.New(client).Model(path), nil
}

// version maps the --version flag to the registry's "nil means latest".
func (o *ModelsOptions) version() *uint32 {
	if o.Version == 0 {
		return nil
	}
	v := o.Version
	return &v
}

func runModelsShow(ctx context.Context, opts *ModelsOptions, arg string, out io.Writer) error {
	scope, err := modelScope(opts, arg)
	if err != nil {
		return err
	}
	info, err := scope.Info(ctx)
	if err != nil {
		return fmt.Errorf("model %s: %w", scope.Path(), err)
	}
	mv, err := scope.Fetch(ctx, opts.version())
	if err != nil {
		return fmt.Errorf("model %s: %w", scope.Path(), err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Model:\t%s\n", scope.Path())
	fmt.Fprintf(w, "Versions:\t%d (latest %d)\n", info.VersionCount, info.LatestVersion)
	fmt.Fprintf(w, "Version:\t%d\n", mv.Version)
	fmt.Fprintf(w, "Size:\t%s\n", humanize.IBytes(uint64(mv.Size)))
	fmt.Fprintf(w, "Checksum:\t%s\n", mv.Checksum)
	fmt.Fprintf(w, "Published:\t%s\n", humanize.Time(mv.CreatedAt))
	if mv.Description != "" {
		fmt.Fprintf(w, "Description:\t%s\n", mv.Description)
	}
	return w.Flush()
}

func runModelsDownload(ctx context.Context, opts *ModelsOptions, arg string, out io.Writer) error {
	scope, err := modelScope(opts, arg)
	if err != nil {
		return err
	}
	br, mv, err := scope.Download(ctx, opts.version())
	if err != nil {
		return fmt.Errorf("download model %s: %w", scope.Path(), err)
	}

	dest := opts.Output
	if dest == "" {
		dest = scope.Path().Name
	}
	sink, err := bundle.NewDirSink(dest)
	if err != nil {
		return err
	}
	defer sink.Abort()
	if err := bundle.Copy(sink, br); err != nil {
		return fmt.Errorf("extract model: %w", err)
	}
	if err := sink.Commit(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Downloaded %s version %d (%d files, %s) to %s\n",
		scope.Path(), mv.Version, br.Len(), humanize.IBytes(uint64(br.Size())), dest)
	return nil
}
