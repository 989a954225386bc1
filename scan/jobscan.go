package scan

import (
	"database/sql"
	"encoding/json"

	"github.com/skymirror/drivescan/errors"
)

// jobScanArgs holds the nullable columns needed when scanning a job row.
type jobScanArgs struct {
	ConfigJSON  sql.NullString
	ResultsJSON sql.NullString
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// jobScanTargets returns scan destinations for the job and its nullable
// columns, in the order of standardJobColumns.
func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.OwnerID,
		&job.Status,
		&job.Type,
		&job.Progress.Current,
		&job.Progress.Total,
		&job.Progress.Step,
		&job.Progress.FilesProcessed,
		&job.Progress.BytesProcessed,
		&args.ConfigJSON,
		&args.ResultsJSON,
		&args.ErrorMsg,
		&job.CreatedAt,
		&job.UpdatedAt,
		&args.StartedAt,
		&args.CompletedAt,
	}
}

// processJobScanArgs populates the job struct from the scanned nullables.
func processJobScanArgs(job *Job, args *jobScanArgs) error {
	if args.ConfigJSON.Valid && args.ConfigJSON.String != "" {
		if err := json.Unmarshal([]byte(args.ConfigJSON.String), &job.Config); err != nil {
			return errors.Wrapf(err, "failed to unmarshal config for job %s", job.ID)
		}
	}
	if args.ResultsJSON.Valid && args.ResultsJSON.String != "" {
		var results Results
		if err := json.Unmarshal([]byte(args.ResultsJSON.String), &results); err != nil {
			return errors.Wrapf(err, "failed to unmarshal results for job %s", job.ID)
		}
		job.Results = &results
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
	return nil
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops)
func scanJobFromRows(rows *sql.Rows, job *Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(jobScanTargets(job, args)...); err != nil {
		return err
	}
	return processJobScanArgs(job, args)
}

// standardJobColumns is the column list for job SELECT queries, matching
// the order expected by jobScanTargets.
func standardJobColumns() string {
	return `id, owner_id, status, scan_type,
		progress_current, progress_total, progress_step,
		files_processed, bytes_processed,
		config, results, error,
		created_at, updated_at, started_at, completed_at`
}
