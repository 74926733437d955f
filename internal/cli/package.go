package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/submit"
)

// PackageOptions holds options for the package command.
type PackageOptions struct {
	*GlobalOptions

	// Upload publishes the code version to the platform.
	Upload bool

	// ListFiles prints every packaged path.
	ListFiles bool
}

// NewPackageCommand creates the package command.
//
// The package command walks the project tree, applies .gitignore and
// .kilnignore rules and prints the content digest of the result. With
// --upload the functions are discovered and the code version is published,
// skipping the upload when the platform already has that digest.
func NewPackageCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &PackageOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Package the project as a code version",
		Example: `  # Print the digest of the current tree
  kiln package

  # Publish it to the platform
  kiln package --upload`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackage(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Upload, "upload", false,
		"publish the code version to the platform")
	cmd.Flags().BoolVarP(&opts.ListFiles, "list", "l", false,
		"list packaged files")

	return cmd
}

func runPackage(ctx context.Context, opts *PackageOptions, out io.Writer) error {
	s, err := newSession(opts.GlobalOptions, true)
	if err != nil {
		return err
	}
	pkg, err := s.packageProject(ctx)
	if err != nil {
		return fmt.Errorf("package project: %w", err)
	}

	if opts.ListFiles {
		for _, f := range pkg.Files {
			fmt.Fprintln(out, f)
		}
	}
	fmt.Fprintf(out, "Packaged %d files (%s, %s compressed)\n",
		pkg.FileCount, humanize.IBytes(uint64(pkg.Size)), humanize.IBytes(uint64(len(pkg.Archive))))
	fmt.Fprintf(out, "Digest: %s\n", pkg.Digest)

	if !opts.Upload {
		return nil
	}
	cv, uploaded, err := s.publish(ctx, pkg)
	if err != nil {
		return err
	}
	if uploaded {
		fmt.Fprintf(out, "Uploaded code version %s to %s (%d functions)\n", cv.Digest, s.project.Path(), len(cv.Functions))
	} else {
		fmt.Fprintf(out, "Code version %s already exists in %s\n", cv.Digest, s.project.Path())
	}
	return nil
}

// publish discovers the project's functions and publishes pkg with them.
func (s *session) publish(ctx context.Context, pkg *submit.Package) (*model.CodeVersion, bool, error) {
	client, err := s.platform()
	if err != nil {
		return nil, false, err
	}
	st, err := s.openStore()
	if err != nil {
		return nil, false, err
	}
	defer st.Close()

	exec, err := s.executor(st)
	if err != nil {
		return nil, false, err
	}
	descs, err := exec.Functions(ctx, s.project.Info(), pkg.Digest)
	if err != nil {
		return nil, false, fmt.Errorf("discover functions: %w", err)
	}
	s.logger.Debug("discovered functions", "count", len(descs))

	return submit.NewPublisher(client).Publish(ctx, s.project.Path(), pkg, submit.FunctionMetadata(descs))
}
