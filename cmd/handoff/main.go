package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/handoff/am"
	"github.com/teranos/handoff/cmd/handoff/commands"
	"github.com/teranos/handoff/logger"
)

var rootCmd = &cobra.Command{
	Use:   "handoff",
	Short: "handoff - run work under a time budget, hand it off when it runs long",
	Long: `handoff - time-budgeted execution with background handoff.

Every call gets a time budget. Work that finishes inside it returns its
result directly; work that does not is handed to the background as a job
that keeps running and can be polled, listed, cancelled and pruned.

Available commands:
  serve   - Serve the MCP tools over stdio
  jobs    - Inspect and manage persisted jobs
  am      - Manage handoff configuration ("I am")
  version - Show version information

Examples:
  handoff serve                 # Start the MCP server on stdin/stdout
  handoff jobs ls               # List jobs from the snapshot
  handoff jobs status <id>      # Show one job
  handoff am show               # Show current configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' prints config to stdout; keep it free of startup noise
		if cmd.Name() == "show" {
			return nil
		}

		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		level := logger.VerbosityToLevel(verbosity, logger.ParseLevel(cfg.Log.Level))
		if err := logger.InitializeWithLevel(cfg.Log.JSON, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
