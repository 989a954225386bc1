package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/skymirror/drivescan/config"
	"github.com/skymirror/drivescan/errors"
	"github.com/skymirror/drivescan/logger"
	"github.com/skymirror/drivescan/scan"
)

// ScanCmd represents the scan command
var ScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run or enqueue scan jobs",
	Long: `Run or enqueue scan jobs against a file hierarchy.

A scan enumerates the hierarchy page by page, merges each page into the
local file index, and reports duplicate files and version chains. Large
hierarchies are processed as a chain of bounded executions handing off
through checkpoints.

Examples:
  drivescan scan run --owner alice --dir ~/files           # Run to completion
  drivescan scan run --owner alice --dir ~/files --type full
  drivescan scan enqueue --owner alice                     # Queue for the daemon`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var scanRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scan job in the foreground",
	Long: `Run a scan in the foreground, following the execution chain until the
hierarchy is fully enumerated or an execution fails. When no --type is
given, the scan strategy advisor picks full or delta based on index
freshness.`,
	RunE: runScan,
}

var scanEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a scan job for the daemon",
	RunE:  runEnqueue,
}

var (
	scanOwnerFlag   string
	scanDirFlag     string
	scanTypeFlag    string
	scanDepthFlag   int
	scanTrashedFlag bool
)

func init() {
	for _, c := range []*cobra.Command{scanRunCmd, scanEnqueueCmd} {
		c.Flags().StringVar(&scanOwnerFlag, "owner", "", "Owner whose hierarchy to scan (required)")
		c.Flags().StringVar(&scanTypeFlag, "type", "", "Scan type: full or delta (default: advisor decides)")
		c.Flags().IntVar(&scanDepthFlag, "max-depth", 0, "Maximum folder depth (0 = unlimited)")
		c.Flags().BoolVar(&scanTrashedFlag, "include-trashed", false, "Include trashed/hidden files")
		c.MarkFlagRequired("owner")
	}
	scanRunCmd.Flags().StringVar(&scanDirFlag, "dir", "", "Directory to scan (required)")
	scanRunCmd.MarkFlagRequired("dir")

	ScanCmd.AddCommand(scanRunCmd)
	ScanCmd.AddCommand(scanEnqueueCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	jobs := scan.NewJobStore(database)
	index := scan.NewFileIndexStore(database)

	scanType, err := resolveScanType(cfg, jobs, index, scanOwnerFlag)
	if err != nil {
		return err
	}

	orch, err := buildOrchestrator(cfg, database, scanDirFlag)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	job := scan.NewJob(scanOwnerFlag, scanType, jobConfigFromFlags(cfg))
	if err := jobs.CreateJob(job); err != nil {
		return errors.Wrap(err, "failed to create scan job")
	}

	fmt.Printf("Starting %s scan %s for owner %s\n", scanType, job.ID, scanOwnerFlag)
	rootID := job.ID
	start := time.Now()

	// Follow the chain: each chained execution leaves a pending successor.
	for {
		if err := orch.Run(ctx, job); err != nil {
			return errors.Wrapf(err, "scan job %s failed", job.ID)
		}

		if job.Status != scan.JobStatusChained {
			break
		}

		successor, err := nextChainLink(database, job.ID)
		if err != nil {
			return err
		}
		if successor == nil {
			return errors.Newf("job %s chained but no successor found", job.ID)
		}
		fmt.Printf("Execution budget reached, continuing as %s (link %d)\n",
			successor.ID, chainIndexOf(database, successor.ID))
		job = successor
	}

	switch job.Status {
	case scan.JobStatusCompleted:
		printScanResults(job, time.Since(start))
	case scan.JobStatusCancelled:
		fmt.Printf("Scan cancelled: %s\n", job.Error)
	default:
		fmt.Printf("Scan ended with status %s\n", job.Status)
	}

	if rootID != job.ID {
		fmt.Printf("\nFull chain results: drivescan jobs chain %s\n", rootID)
	}
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	jobs := scan.NewJobStore(database)
	index := scan.NewFileIndexStore(database)

	scanType, err := resolveScanType(cfg, jobs, index, scanOwnerFlag)
	if err != nil {
		return err
	}

	job := scan.NewJob(scanOwnerFlag, scanType, jobConfigFromFlags(cfg))
	if err := jobs.CreateJob(job); err != nil {
		return errors.Wrap(err, "failed to enqueue scan job")
	}

	fmt.Printf("Enqueued %s scan %s for owner %s\n", scanType, job.ID, scanOwnerFlag)
	return nil
}

// resolveScanType honors an explicit --type flag, otherwise asks the
// strategy advisor.
func resolveScanType(cfg *config.Config, jobs *scan.JobStore, index *scan.FileIndexStore, ownerID string) (scan.ScanType, error) {
	switch scanTypeFlag {
	case "full":
		return scan.ScanTypeFull, nil
	case "delta":
		return scan.ScanTypeDelta, nil
	case "":
	default:
		return "", errors.Newf("invalid scan type %q (expected full or delta)", scanTypeFlag)
	}

	advisor := scan.NewStrategyAdvisor(jobs, index, logger.Logger)
	if cfg.Scan.StalenessDays > 0 || cfg.Scan.MinIndexCompleteness > 0 {
		advisor.SetThresholds(
			time.Duration(cfg.Scan.StalenessDays)*24*time.Hour,
			cfg.Scan.MinIndexCompleteness,
		)
	}

	decision, err := advisor.Recommend(ownerID)
	if err != nil {
		return "", errors.Wrap(err, "failed to recommend scan type")
	}
	fmt.Printf("Advisor: %s scan (%s)\n", decision.ScanType, decision.Reason)
	return decision.ScanType, nil
}

func jobConfigFromFlags(cfg *config.Config) scan.JobConfig {
	jc := scan.JobConfig{
		MaxDepth:       scanDepthFlag,
		IncludeTrashed: scanTrashedFlag,
	}
	if jc.MaxDepth == 0 {
		jc.MaxDepth = cfg.Scan.MaxDepthDefault
	}
	if !jc.IncludeTrashed {
		jc.IncludeTrashed = cfg.Scan.IncludeTrashedDefault
	}
	return jc
}

// nextChainLink returns the pending successor a chained job handed off to
func nextChainLink(database *sql.DB, parentID string) (*scan.Job, error) {
	chains := scan.NewChainStore(database)
	link, err := chains.GetSuccessor(parentID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up successor of %s", parentID)
	}
	if link == nil {
		return nil, nil
	}
	return scan.NewJobStore(database).GetJob(link.JobID)
}

func chainIndexOf(database *sql.DB, jobID string) int {
	link, err := scan.NewChainStore(database).Get(jobID)
	if err != nil || link == nil {
		return 0
	}
	return link.ChainIndex
}

// printScanResults renders a completed scan's results
func printScanResults(job *scan.Job, elapsed time.Duration) {
	fmt.Printf("\nScan %s completed in %s\n", job.ID, elapsed.Round(time.Second))
	if job.Results == nil {
		return
	}
	r := job.Results
	fmt.Printf("  Files scanned:  %d (%s)\n", r.FilesScanned, humanize.Bytes(uint64(r.BytesScanned)))
	fmt.Printf("  Pages:          %d\n", r.PagesProcessed)
	fmt.Printf("  Index delta:    +%d created, ~%d modified, -%d deleted\n",
		r.IndexDelta.Created, r.IndexDelta.Modified, r.IndexDelta.Deleted)
	fmt.Printf("  Duplicates:     %d groups, %d version chains\n",
		len(r.DuplicateGroups), len(r.VersionChains))
	if r.SpaceWasted > 0 {
		fmt.Printf("  Reclaimable:    %s\n", humanize.Bytes(uint64(r.SpaceWasted)))
	}
}
