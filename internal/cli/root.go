// Package cli implements masterctl, the command line client of the master
// build server.
package cli

import (
	"log/slog"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/etsy/jenkins-master-project/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking MASTER_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("MASTER_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for masterctl.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "masterctl",
		Short: "Trigger and follow master builds",
		Long: heredoc.Doc(`
			masterctl talks to a master build server. A master build fans out to the
			sub-projects of a master project, retries failed ones and reports one
			combined result.
		`),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Master build server URL (or MASTER_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newBuildCmd(),
		newStatusCmd(),
		newRebuildCmd(),
		newStopCmd(),
		newProjectsCmd(),
	)

	return root
}
