package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/pipeflow/internal/artifact"
	"github.com/me/pipeflow/internal/config"
	"github.com/me/pipeflow/internal/dataflow"
	"github.com/me/pipeflow/internal/engine"
	"github.com/me/pipeflow/internal/executor"
	"github.com/me/pipeflow/internal/logging"
	"github.com/me/pipeflow/internal/server"
	"github.com/me/pipeflow/internal/store"
	"github.com/me/pipeflow/pkg/model"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cfg := config.DefaultRunConfig()

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Build and execute a workflow",
		Long: `Builds the workflow graph, checks that no output of a previous run would be
overwritten, and executes every step. Artifacts are written below --output:
tasks/ (task context, result and data files), reports/ (one result document
per step), logs/ (one log per task) and data/ (produced files).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.DBPath = flagDB
			cfg.LogLevel = flagLogLevel
			cfg.LogFormat = flagLogFormat
			return runWorkflow(cmd.Context(), cmd.OutOrStdout(), args[0], cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfg.OutputDir, "output", "o", envString("OUTPUT", cfg.OutputDir), "Output directory (or PIPEFLOW_OUTPUT env)")
	f.StringVar(&cfg.DesignPath, "design", "", "Design file (overrides the workflow's design entry)")
	f.StringVar(&cfg.FormatsPath, "formats", envString("FORMATS", ""), "Format catalog merged into the built-in formats (or PIPEFLOW_FORMATS env)")
	f.DurationVar(&cfg.PollInterval, "poll-interval", envDuration("POLL_INTERVAL", cfg.PollInterval), "Scheduling poll interval (or PIPEFLOW_POLL_INTERVAL env)")
	f.IntVarP(&cfg.MaxWorkers, "workers", "j", envInt("WORKERS", cfg.MaxWorkers), "Maximum concurrent tasks, 0 for unlimited (or PIPEFLOW_WORKERS env)")
	f.BoolVar(&cfg.Inline, "inline", cfg.Inline, "Run the tasks of a step one after the other")
	f.BoolVar(&cfg.Resume, "resume", envBool("RESUME", cfg.Resume), "Reuse tasks completed by a previous run (or PIPEFLOW_RESUME env)")
	f.BoolVar(&cfg.TaskLogs, "task-logs", cfg.TaskLogs, "Write one log file per task")
	f.StringVar(&cfg.ReportFormat, "report-format", envString("REPORT_FORMAT", cfg.ReportFormat), "Step report format: json, yaml (or PIPEFLOW_REPORT_FORMAT env)")
	f.StringVar(&cfg.Server.Addr, "listen", envString("LISTEN", ""), "Serve the progress API on this address, e.g. :8080 (or PIPEFLOW_LISTEN env)")

	return cmd
}

func runWorkflow(ctx context.Context, out io.Writer, path string, cfg config.RunConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	wf, err := loadWorkflow(path, engine.NewRunID(), loadOptions{DesignPath: cfg.DesignPath, FormatsPath: cfg.FormatsPath}, logger)
	if err != nil {
		return err
	}

	dbPath, err := cfg.ResolveDBPath()
	if err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := executor.NewPool(cfg.MaxWorkers)
	if cfg.Server.Addr != "" {
		srv := server.New(cfg.Server, logger, server.WithStore(st), server.WithWorkflow(wf), server.WithPool(pool))
		srvCtx, stopServer := context.WithCancel(ctx)
		srvDone := make(chan struct{})
		go func() {
			defer close(srvDone)
			if err := srv.ListenAndServe(srvCtx); err != nil {
				logger.Error("server failed", "error", err)
			}
		}()
		defer func() {
			stopServer()
			<-srvDone
		}()
	}

	fmt.Fprintf(out, "Run %s started: workflow %s, %d steps\n", wf.ID(), wf.Name(), len(wf.Steps()))

	run, runErr := engine.Run(ctx, wf, engine.RunOptions{
		OutputDir:    cfg.OutputDir,
		ReportFormat: artifact.ReportFormat(cfg.ReportFormat),
		Pool:         pool,
		Resume:       cfg.Resume,
		TaskLogs:     cfg.TaskLogs,
		LogLevel:     logging.ParseLevel(cfg.LogLevel),
		LogFormat:    cfg.LogFormat,
		Driver: engine.Config{
			PollInterval: cfg.PollInterval,
			Dataflow: dataflow.Config{
				PollInterval: cfg.PollInterval,
				Inline:       cfg.Inline,
			},
		},
		History: st,
	}, logger)

	// Re-read the run so the summary carries the recorded step results.
	if recorded, err := st.GetRun(context.WithoutCancel(ctx), run.ID); err == nil && recorded != nil {
		run = recorded
	}
	printRun(out, run)
	return runErr
}

// printRun writes the outcome of a run and the results of its steps.
func printRun(out io.Writer, run *model.Run) {
	fmt.Fprintf(out, "Run: %s\n", run.ID)
	fmt.Fprintf(out, "  Workflow: %s\n", run.Workflow)
	fmt.Fprintf(out, "  State:    %s\n", run.State)
	if run.OutputDir != "" {
		fmt.Fprintf(out, "  Output:   %s\n", run.OutputDir)
	}
	if run.Message != "" {
		fmt.Fprintf(out, "  Message:  %s\n", run.Message)
	}
	fmt.Fprintf(out, "  Created:  %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Fprintf(out, "  Duration: %s\n", run.CompletedAt.Sub(run.CreatedAt).Round(time.Millisecond))
	}

	sum := run.StepSummary
	if sum.Total == 0 {
		return
	}
	fmt.Fprintf(out, "  Steps:    %d total, %d succeeded", sum.Total, sum.Succeeded)
	if sum.Failed > 0 {
		fmt.Fprintf(out, ", %d failed", sum.Failed)
	}
	fmt.Fprintf(out, ", %d tasks\n", sum.Tasks)

	fmt.Fprintf(out, "    %-20s  %-12s  %6s  %6s  %s\n", "STEP", "MODULE", "TASKS", "FAILED", "STATUS")
	for _, s := range run.Steps {
		status := "ok"
		if !s.Success {
			status = "FAILED"
			if s.ErrorMessage != "" {
				status += ": " + s.ErrorMessage
			}
		}
		fmt.Fprintf(out, "    %-20s  %-12s  %6d  %6d  %s\n", s.StepID, s.Module, s.TaskCount, s.FailedTasks, status)
	}
}
