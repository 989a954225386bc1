package commands

import (
	"database/sql"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/skymirror/drivescan/config"
	"github.com/skymirror/drivescan/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage drivescan database",
	Long: `Manage database operations.

Examples:
  drivescan db migrate    # Apply pending schema migrations
  drivescan db stats      # Show index and job statistics`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Println("Database schema is up to date")
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index and job statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	var liveFiles, deletedFiles, owners int
	var totalBytes sql.NullInt64
	err = database.QueryRow(`
		SELECT
			COUNT(CASE WHEN is_deleted = 0 THEN 1 END),
			COUNT(CASE WHEN is_deleted = 1 THEN 1 END),
			COUNT(DISTINCT owner_id),
			SUM(CASE WHEN is_deleted = 0 THEN size ELSE 0 END)
		FROM file_index
	`).Scan(&liveFiles, &deletedFiles, &owners, &totalBytes)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to query index stats")
	}

	var pending, running, completed, failed, chained int
	err = database.QueryRow(`
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'running' THEN 1 END),
			COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COUNT(CASE WHEN status = 'chained' THEN 1 END)
		FROM scan_jobs
	`).Scan(&pending, &running, &completed, &failed, &chained)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to query job stats")
	}

	var checkpoints int
	if err := database.QueryRow(`SELECT COUNT(*) FROM scan_checkpoints`).Scan(&checkpoints); err != nil {
		return errors.Wrap(err, "failed to query checkpoint stats")
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path:    %s\n\n", cfg.Database.Path)

	fmt.Println("File Index:")
	fmt.Printf("  Owners:         %d\n", owners)
	fmt.Printf("  Live files:     %d (%s)\n", liveFiles, humanize.Bytes(uint64(totalBytes.Int64)))
	fmt.Printf("  Deleted files:  %d\n\n", deletedFiles)

	fmt.Println("Scan Jobs:")
	fmt.Printf("  Pending:        %d\n", pending)
	fmt.Printf("  Running:        %d\n", running)
	fmt.Printf("  Completed:      %d\n", completed)
	fmt.Printf("  Failed:         %d\n", failed)
	fmt.Printf("  Chained:        %d\n\n", chained)

	fmt.Printf("Live Checkpoints: %d\n", checkpoints)
	return nil
}
