package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/model"
)

// RunsOptions holds options for the runs command.
type RunsOptions struct {
	*GlobalOptions

	// Limit caps the number of runs listed.
	Limit int
}

// NewRunsCommand creates the runs command, which lists local executions
// newest first.
func NewRunsCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &RunsOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:     "runs",
		Short:   "List local runs",
		Aliases: []string{"ps"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func runRuns(ctx context.Context, opts *RunsOptions, out io.Writer) error {
	s, err := newSession(opts.GlobalOptions, true)
	if err != nil {
		return err
	}
	st, err := s.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, total, err := st.ListExecutions(ctx, opts.Limit, 0)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tFUNCTION\tPROCEDURE\tBACKEND\tSTATUS\tDURATION\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Function, r.Procedure, r.Backend, runStatus(r), runDuration(r), humanize.Time(r.CreatedAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if total > len(runs) {
		fmt.Fprintf(out, "\n%d of %d runs shown\n", len(runs), total)
	}
	return nil
}

func runStatus(r *model.Execution) string {
	if r.Status == model.StatusFailed && r.ErrorKind != "" {
		return r.Status + " (" + r.ErrorKind + ")"
	}
	return r.Status
}

func runDuration(r *model.Execution) string {
	if r.DurationMS == nil {
		return "-"
	}
	return (time.Duration(*r.DurationMS) * time.Millisecond).String()
}
