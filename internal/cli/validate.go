package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/me/pipeflow/internal/workflow"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var opts loadOptions

	cmd := &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Build the workflow graph without executing it",
		Long: `Parses the workflow, resolves every input port to its nearest producer,
inserts generator steps for formats nobody produces, and prints the resulting
steps in execution order with their dependencies.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflow(args[0], "validate", opts, logger)
			if err != nil {
				return err
			}
			printGraph(cmd.OutOrStdout(), wf)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.DesignPath, "design", "", "Design file (overrides the workflow's design entry)")
	cmd.Flags().StringVar(&opts.FormatsPath, "formats", envString("FORMATS", ""), "Format catalog merged into the built-in formats (or PIPEFLOW_FORMATS env)")
	return cmd
}

func printGraph(out io.Writer, wf *workflow.Workflow) {
	steps := wf.Steps()
	fmt.Fprintf(out, "Workflow %s is valid: %d steps\n", wf.Name(), len(steps))
	fmt.Fprintf(out, "  %3s  %-20s  %-10s  %-12s  %s\n", "#", "STEP", "KIND", "MODULE", "REQUIRES")
	for _, s := range steps {
		var requires []string
		for _, r := range s.RequiredSteps() {
			requires = append(requires, r.ID())
		}
		name := s.ID()
		if s.Skip() {
			name += " (skip)"
		}
		fmt.Fprintf(out, "  %3d  %-20s  %-10s  %-12s  %s\n", s.Number(), name, s.Kind(), s.ModuleName(), strings.Join(requires, ", "))
	}
}
