package scan

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/skymirror/drivescan/errors"
)

// JobStore handles persistence of scan jobs. External pollers read job
// rows for status and results; only the orchestrator and chain manager
// mutate them.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new scan job store
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// CreateJob inserts a new job into the database
func (s *JobStore) CreateJob(job *Job) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job config")
	}

	query := `
		INSERT INTO scan_jobs (
			id, owner_id, status, scan_type,
			progress_current, progress_total, progress_step,
			files_processed, bytes_processed,
			config, error,
			created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		job.ID,
		job.OwnerID,
		job.Status,
		job.Type,
		job.Progress.Current,
		job.Progress.Total,
		job.Progress.Step,
		job.Progress.FilesProcessed,
		job.Progress.BytesProcessed,
		string(configJSON),
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to create job"), ErrStoreWrite)
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *JobStore) GetJob(id string) (*Job, error) {
	query := `SELECT ` + standardJobColumns() + ` FROM scan_jobs WHERE id = ?`

	rows, err := s.db.Query(query, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}

	var job Job
	if err := scanJobFromRows(rows, &job); err != nil {
		return nil, errors.Wrap(err, "failed to scan job")
	}
	return &job, nil
}

// UpdateJob updates an existing job in the database
func (s *JobStore) UpdateJob(job *Job) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job config")
	}

	var resultsJSON sql.NullString
	if job.Results != nil {
		data, err := json.Marshal(job.Results)
		if err != nil {
			return errors.Wrap(err, "failed to marshal job results")
		}
		resultsJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		UPDATE scan_jobs
		SET status = ?,
		    progress_current = ?,
		    progress_total = ?,
		    progress_step = ?,
		    files_processed = ?,
		    bytes_processed = ?,
		    config = ?,
		    results = ?,
		    error = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	_, err = s.db.Exec(query,
		job.Status,
		job.Progress.Current,
		job.Progress.Total,
		job.Progress.Step,
		job.Progress.FilesProcessed,
		job.Progress.BytesProcessed,
		string(configJSON),
		resultsJSON,
		job.Error,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to update job"), ErrStoreWrite)
	}

	return nil
}

// ClaimNextPending atomically claims the oldest pending job and marks it
// running. The conditional UPDATE guarantees two dispatchers never claim
// the same job; chained successors in particular must not run while their
// parent still holds the continuation token.
// Returns nil if no pending job is available.
func (s *JobStore) ClaimNextPending() (*Job, error) {
	pendingStatus := JobStatusPending
	jobs, err := s.ListJobs(&pendingStatus, 1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending jobs")
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	job := jobs[0]
	now := time.Now()

	res, err := s.db.Exec(
		`UPDATE scan_jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		JobStatusRunning, now, now, job.ID, JobStatusPending,
	)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to claim job"), ErrStoreWrite)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		// Lost the race to another dispatcher; treat as no job available.
		return nil, nil
	}

	job.Status = JobStatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	return job, nil
}

// ListJobs returns jobs ordered oldest-first, optionally filtered by status
func (s *JobStore) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + standardJobColumns() + ` FROM scan_jobs`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at ASC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at ASC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return collectJobs(rows, "jobs")
}

// ListJobsByOwner returns an owner's jobs, newest first
func (s *JobStore) ListJobsByOwner(ownerID string, limit int) ([]*Job, error) {
	query := `SELECT ` + standardJobColumns() + `
		FROM scan_jobs
		WHERE owner_id = ?
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, ownerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by owner")
	}
	defer rows.Close()

	return collectJobs(rows, "owner jobs")
}

// ListRunningJobs returns all jobs currently marked running
func (s *JobStore) ListRunningJobs(limit int) ([]*Job, error) {
	runningStatus := JobStatusRunning
	return s.ListJobs(&runningStatus, limit)
}

// GetJobCounts returns the number of pending and running jobs
func (s *JobStore) GetJobCounts() (pending int, running int, err error) {
	query := `
		SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END)
		FROM scan_jobs
	`
	err = s.db.QueryRow(query, JobStatusPending, JobStatusRunning).Scan(&pending, &running)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count jobs")
	}
	return pending, running, nil
}

// LastCompletedFullScan returns the completion time of the owner's most
// recent successful full scan, or nil if none exists. Used by the scan
// strategy advisor; chained links count only once the final link completes.
func (s *JobStore) LastCompletedFullScan(ownerID string) (*time.Time, error) {
	query := `
		SELECT completed_at FROM scan_jobs
		WHERE owner_id = ? AND status = ? AND scan_type = ? AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1
	`
	var completedAt time.Time
	err := s.db.QueryRow(query, ownerID, JobStatusCompleted, ScanTypeFull).Scan(&completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query last completed full scan")
	}
	return &completedAt, nil
}

// CleanupOldJobs removes terminal jobs older than the specified duration.
// Returns the number of rows deleted.
func (s *JobStore) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `
		DELETE FROM scan_jobs
		WHERE status IN (?, ?, ?, ?)
		  AND updated_at < ?
	`

	result, err := s.db.Exec(query,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusChained,
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// collectJobs is a helper that scans multiple jobs from query rows
func collectJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := scanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}
