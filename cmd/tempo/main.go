package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/tempo/cmd/tempo/commands"
	"github.com/corvid-labs/tempo/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tempo",
	Short: "tempo - durable cron job scheduling engine",
	Long: `tempo - durable cron job scheduling engine.

Jobs persist in SQLite with one-shot, interval, and cron schedules.
A 1-second dispatch loop fires due jobs with single-flight protection,
records run history in a bounded ledger, and broadcasts lifecycle
events over WebSocket.

Available commands:
  serve  - Run the scheduling daemon with HTTP/WS API
  jobs   - Manage scheduled jobs (ls, add, rm, run, runs, status)
  db     - Database operations (migrate, stats)

Examples:
  tempo serve                                  # Start the daemon
  tempo jobs ls                                # List jobs
  tempo jobs add --name backup --cron "0 3 * * *" --event "nightly backup"
  tempo jobs run <id>                          # Trigger a job now
  tempo db stats                               # Show database statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
