package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewFunctionsCommand creates the functions command, which lists the
// functions the project registers.
func NewFunctionsCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "functions",
		Short:   "List the project's functions",
		Aliases: []string{"fns"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFunctions(cmd.Context(), globalOpts, cmd.OutOrStdout())
		},
	}
}

func runFunctions(ctx context.Context, opts *GlobalOptions, out io.Writer) error {
	s, err := newSession(opts, true)
	if err != nil {
		return err
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

	descs, err := exec.Functions(ctx, s.project.Info(), "")
	if err != nil {
		return fmt.Errorf("discover functions: %w", err)
	}
	if len(descs) == 0 {
		fmt.Fprintln(out, "No functions registered")
		return nil
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tPROCEDURE\tDEVICE\tAUTODIFF\tDESCRIPTION")
	for _, d := range descs {
		device := string(d.Constraints.Device)
		if device == "" {
			device = "any"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", d.Name, d.Procedure, device, d.Constraints.RequiresAutodiff, d.Description)
	}
	return w.Flush()
}
