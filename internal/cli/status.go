package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/me/pipeflow/internal/config"
	"github.com/me/pipeflow/internal/store"
	"github.com/me/pipeflow/pkg/model"
	"github.com/spf13/cobra"
)

// history is the run history read by the status command, either the local
// database or a running progress API.
type history interface {
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
}

func newStatusCmd() *cobra.Command {
	var serverURL string
	flags := model.DefaultListOptions()

	cmd := &cobra.Command{
		Use:   "status [run_id]",
		Short: "List recorded runs, or show the step results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var h history
			if serverURL != "" {
				h = NewClient(serverURL, logger)
			} else {
				st, err := openHistory(ctx)
				if err != nil {
					return err
				}
				defer st.Close()
				h = st
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := h.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if run == nil {
					return model.NewNotFoundError("run", args[0])
				}
				printRun(out, run)
				return nil
			}

			opts, details := model.ParseListOptions(flags.Query())
			if len(details) > 0 {
				return model.NewValidationError("invalid status filters", details...)
			}
			runs, total, err := h.ListRuns(ctx, opts)
			if err != nil {
				return err
			}
			printRuns(out, runs, total)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", envString("SERVER", ""), "Read from a running progress API instead of the database (or PIPEFLOW_SERVER env)")
	cmd.Flags().IntVar(&flags.Limit, "limit", flags.Limit, "Maximum number of runs to list")
	cmd.Flags().IntVar(&flags.Offset, "offset", 0, "Number of runs to skip")
	cmd.Flags().StringVar(&flags.State, "state", "", "Only list runs in this state (RUNNING, SUCCEEDED, FAILED)")
	cmd.Flags().StringVar(&flags.Workflow, "workflow", "", "Only list runs of this workflow")
	return cmd
}

func openHistory(ctx context.Context) (*store.SQLiteStore, error) {
	cfg := config.DefaultRunConfig()
	cfg.DBPath = flagDB
	dbPath, err := cfg.ResolveDBPath()
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return st, nil
}

func printRuns(out io.Writer, runs []*model.Run, total int) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return
	}

	fmt.Fprintf(out, "%-40s  %-10s  %-20s  %s\n", "ID", "STATE", "WORKFLOW", "CREATED")
	fmt.Fprintf(out, "%-40s  %-10s  %-20s  %s\n", "----", "-----", "--------", "-------")
	for _, r := range runs {
		fmt.Fprintf(out, "%-40s  %-10s  %-20s  %s\n", r.ID, r.State, r.Workflow, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if total > len(runs) {
		fmt.Fprintf(out, "\n(%d of %d shown)\n", len(runs), total)
	}
}
