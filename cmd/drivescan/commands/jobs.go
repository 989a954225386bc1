package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/skymirror/drivescan/errors"
	"github.com/skymirror/drivescan/logger"
	"github.com/skymirror/drivescan/scan"
)

// JobsCmd represents the jobs command
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect scan jobs and execution chains",
	Long: `Inspect scan jobs and execution chains.

Examples:
  drivescan jobs ls                       # List recent jobs
  drivescan jobs ls --status running      # List running jobs
  drivescan jobs show scan_abc123         # Show one job in detail
  drivescan jobs chain scan_abc123        # Show a chain's lineage and totals
  drivescan jobs cancel scan_abc123       # Request cancellation`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scan jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one scan job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsChainCmd = &cobra.Command{
	Use:   "chain <root-job-id>",
	Short: "Show an execution chain's lineage and aggregate results",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsChain,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a scan job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var (
	jobsStatusFlag string
	jobsOwnerFlag  string
	jobsLimitFlag  int
	jobsJSONFlag   bool
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsStatusFlag, "status", "", "Filter by status (pending, running, completed, failed, cancelled, chained)")
	jobsLsCmd.Flags().StringVar(&jobsOwnerFlag, "owner", "", "Filter by owner")
	jobsLsCmd.Flags().IntVar(&jobsLimitFlag, "limit", 20, "Maximum jobs to list")
	jobsShowCmd.Flags().BoolVarP(&jobsJSONFlag, "json", "j", false, "Output as JSON")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsChainCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := scan.NewJobStore(database)

	var jobs []*scan.Job
	if jobsOwnerFlag != "" {
		jobs, err = store.ListJobsByOwner(jobsOwnerFlag, jobsLimitFlag)
	} else {
		var status *scan.JobStatus
		if jobsStatusFlag != "" {
			if !scan.IsValidStatus(jobsStatusFlag) {
				return errors.Newf("invalid status %q", jobsStatusFlag)
			}
			s := scan.JobStatus(jobsStatusFlag)
			status = &s
		}
		jobs, err = store.ListJobs(status, jobsLimitFlag)
	}
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(jobs) == 0 {
		fmt.Println("No scan jobs found")
		return nil
	}

	fmt.Printf("%-42s %-10s %-6s %-10s %10s %10s  %s\n",
		"JOB", "STATUS", "TYPE", "OWNER", "FILES", "BYTES", "CREATED")
	for _, j := range jobs {
		fmt.Printf("%-42s %-10s %-6s %-10s %10d %10s  %s\n",
			j.ID, j.Status, j.Type, j.OwnerID,
			j.Progress.FilesProcessed,
			humanize.Bytes(uint64(j.Progress.BytesProcessed)),
			humanize.Time(j.CreatedAt))
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := scan.NewJobStore(database).GetJob(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to load job %s", args[0])
	}

	if jobsJSONFlag {
		out, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode job")
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Owner:    %s\n", job.OwnerID)
	fmt.Printf("Status:   %s\n", job.Status)
	fmt.Printf("Type:     %s\n", job.Type)
	fmt.Printf("Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("Started:  %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Ended:    %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.Progress.Step != "" {
		fmt.Printf("Step:     %s\n", job.Progress.Step)
	}
	fmt.Printf("Files:    %d (%s)\n",
		job.Progress.FilesProcessed, humanize.Bytes(uint64(job.Progress.BytesProcessed)))
	if job.Error != "" {
		fmt.Printf("Error:    %s\n", job.Error)
	}
	if job.Results != nil {
		printScanResults(job, 0)
	}
	return nil
}

func runJobsChain(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	manager := scan.NewJobChainManager(
		scan.NewJobStore(database),
		scan.NewChainStore(database),
		scan.NewCheckpointStore(database),
		scan.DefaultChainPolicy(),
		logger.Logger,
	)

	links, err := manager.GetFullChain(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to walk chain from %s", args[0])
	}
	if len(links) == 0 {
		fmt.Printf("No chain found rooted at %s\n", args[0])
		return nil
	}

	fmt.Printf("Chain rooted at %s (%d links)\n\n", args[0], len(links))
	fmt.Printf("%-5s %-42s %-10s %10s %10s\n", "LINK", "JOB", "STATUS", "FILES", "BYTES")
	for _, l := range links {
		files, bytes := int64(0), int64(0)
		status := scan.JobStatus("unknown")
		if l.Job != nil {
			files = l.Job.Progress.FilesProcessed
			bytes = l.Job.Progress.BytesProcessed
			status = l.Job.Status
		}
		fmt.Printf("%-5d %-42s %-10s %10d %10s\n",
			l.Chain.ChainIndex, l.Chain.JobID, status, files, humanize.Bytes(uint64(bytes)))
	}

	agg, err := manager.AggregateChainResults(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to aggregate chain results")
	}
	fmt.Printf("\nAggregate: status=%s files=%d bytes=%s pages=%d\n",
		agg.Status, agg.FilesProcessed, humanize.Bytes(uint64(agg.BytesProcessed)), agg.PagesProcessed)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := scan.NewJobStore(database)
	job, err := store.GetJob(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to load job %s", args[0])
	}
	if job.Status.IsTerminal() {
		return errors.Newf("job %s is already %s", job.ID, job.Status)
	}

	job.Cancel("cancelled by operator")
	if err := store.UpdateJob(job); err != nil {
		return errors.Wrap(err, "failed to cancel job")
	}
	fmt.Printf("Cancelled job %s\n", job.ID)
	return nil
}
