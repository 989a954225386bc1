package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skymirror/drivescan/config"
	"github.com/skymirror/drivescan/errors"
	"github.com/skymirror/drivescan/logger"
	"github.com/skymirror/drivescan/scan"
)

// CleanupCmd represents the cleanup command
var CleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired checkpoints and old job records",
	Long: `Remove expired checkpoints, terminal jobs past the retention window,
and stale chain lineage records.

Example:
  drivescan cleanup                    # Use configured retention
  drivescan cleanup --retention-days 7 # Override retention window`,
	RunE: runCleanup,
}

var cleanupRetentionFlag int

func init() {
	CleanupCmd.Flags().IntVar(&cleanupRetentionFlag, "retention-days", 0, "Retention for terminal jobs in days (default from config)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	retentionDays := cfg.Scan.RetentionDays
	if cleanupRetentionFlag > 0 {
		retentionDays = cleanupRetentionFlag
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour

	cleanupBatch := cfg.Checkpoint.CleanupBatch
	if cleanupBatch <= 0 {
		cleanupBatch = 500
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	checkpoints := scan.NewCheckpointManager(scan.NewCheckpointStore(database), logger.Logger)
	expired, err := checkpoints.CleanupExpired(cleanupBatch)
	if err != nil {
		return errors.Wrap(err, "failed to clean up expired checkpoints")
	}

	jobs := scan.NewJobStore(database)
	oldJobs, err := jobs.CleanupOldJobs(retention)
	if err != nil {
		return errors.Wrap(err, "failed to clean up old jobs")
	}

	chains := scan.NewChainStore(database)
	oldChains, err := chains.CleanupOldChains(retention, cleanupBatch)
	if err != nil {
		return errors.Wrap(err, "failed to clean up old chain records")
	}

	fmt.Printf("Cleanup complete\n")
	fmt.Printf("  Expired checkpoints removed: %d\n", expired)
	fmt.Printf("  Old jobs removed:            %d\n", oldJobs)
	fmt.Printf("  Stale chain records removed: %d\n", oldChains)
	return nil
}
