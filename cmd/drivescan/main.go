package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skymirror/drivescan/cmd/drivescan/commands"
	"github.com/skymirror/drivescan/logger"
)

var rootCmd = &cobra.Command{
	Use:   "drivescan",
	Short: "drivescan - resumable enumeration and indexing for large file hierarchies",
	Long: `drivescan - resumable, checkpointed enumeration and indexing.

drivescan enumerates very large file hierarchies in bounded executions
that hand off through durable checkpoints, maintains a local file index,
and detects duplicate files and version chains.

Available commands:
  scan    - Run or enqueue scan jobs
  jobs    - Inspect scan jobs and execution chains
  daemon  - Run the scan job dispatcher
  db      - Manage database operations
  cleanup - Remove expired checkpoints and old job records

Examples:
  drivescan scan run --owner alice --dir ~/files   # Run a scan to completion
  drivescan scan enqueue --owner alice             # Queue a scan for the daemon
  drivescan daemon start --dir ~/files             # Start the dispatcher
  drivescan jobs ls                                # List recent jobs
  drivescan db stats                               # Show index statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.ScanCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.CleanupCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
