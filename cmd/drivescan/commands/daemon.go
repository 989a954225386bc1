package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skymirror/drivescan/config"
	"github.com/skymirror/drivescan/dispatch"
	"github.com/skymirror/drivescan/errors"
	"github.com/skymirror/drivescan/logger"
	"github.com/skymirror/drivescan/scan"
)

// DaemonCmd represents the daemon command
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scan job dispatcher",
	Long: `Run the scan job dispatcher in the foreground.

The dispatcher polls for pending scan jobs, runs each through the
orchestrator, and follows execution chains automatically: a chained
job's successor is just another pending job. Jobs orphaned by a crash
are re-queued on startup and resume from their checkpoints.

Example:
  drivescan daemon start --dir ~/files              # Single worker
  drivescan daemon start --dir ~/files --workers 3  # Three workers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dispatcher in foreground mode",
	RunE:  runDaemonStart,
}

var (
	daemonDirFlag     string
	daemonWorkersFlag int
)

func init() {
	daemonStartCmd.Flags().StringVar(&daemonDirFlag, "dir", "", "Directory served as the scan source (required)")
	daemonStartCmd.Flags().IntVar(&daemonWorkersFlag, "workers", 0, "Number of concurrent workers (default from config)")
	daemonStartCmd.MarkFlagRequired("dir")
	DaemonCmd.AddCommand(daemonStartCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	orch, err := buildOrchestrator(cfg, database, daemonDirFlag)
	if err != nil {
		return err
	}

	dcfg := dispatchConfig(cfg)
	if daemonWorkersFlag > 0 {
		dcfg.Workers = daemonWorkersFlag
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := dispatch.NewDispatcher(ctx, scan.NewJobStore(database), orch, dcfg, logger.Logger)
	dispatcher.Start()

	metrics := dispatcher.GetSystemMetrics()
	fmt.Printf("Dispatcher started\n")
	fmt.Printf("  Workers:       %d\n", dcfg.Workers)
	fmt.Printf("  Poll interval: %v\n", dcfg.PollInterval)
	fmt.Printf("  Source dir:    %s\n", daemonDirFlag)
	fmt.Printf("  Memory:        %.1f/%.1f GB (%.0f%%)\n",
		metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down, waiting for workers to checkpoint...")
	dispatcher.Stop()
	cancel()

	fmt.Println("Dispatcher stopped")
	return nil
}
