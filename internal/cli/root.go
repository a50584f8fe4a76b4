package cli

import (
	"log/slog"

	"github.com/me/pipeflow/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagDB        string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the pipeflow CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipeflow",
		Short: "Dataflow workflow engine",
		Long: `pipeflow builds a dependency graph from the data formats steps consume and
produce, then runs one task per joined set of input data, as soon as the data
arrives.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.New(cmd.ErrOrStderr(), logging.ParseLevel(flagLogLevel), flagLogFormat)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", envString("LOG_LEVEL", "info"), "Log level (debug, info, warn, error) (or PIPEFLOW_LOG_LEVEL env)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", envString("LOG_FORMAT", "text"), "Log format (text, json) (or PIPEFLOW_LOG_FORMAT env)")
	root.PersistentFlags().StringVar(&flagDB, "db", envString("DB", ""), "Run history database (default ~/.pipeflow/pipeflow.db) (or PIPEFLOW_DB env)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newStatusCmd(),
		newModulesCmd(),
	)

	return root
}
