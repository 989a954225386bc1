package scan

import (
	"database/sql"
	"time"

	"github.com/skymirror/drivescan/errors"
)

// ChainedJob links one scan job to its predecessor in an execution chain.
// Lineage pointers are immutable once written; status and results are
// read through the job row.
type ChainedJob struct {
	JobID       string    `json:"job_id"`
	ParentJobID string    `json:"parent_job_id,omitempty"` // empty for the chain root
	ChainIndex  int       `json:"chain_index"`             // root = 0, +1 per hop
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChainStore persists chain lineage records.
type ChainStore struct {
	db *sql.DB
}

// NewChainStore creates a new chain store
func NewChainStore(db *sql.DB) *ChainStore {
	return &ChainStore{db: db}
}

// Create inserts a chain record
func (s *ChainStore) Create(link *ChainedJob) error {
	query := `
		INSERT INTO chained_jobs (job_id, parent_job_id, chain_index, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	parent := sql.NullString{String: link.ParentJobID, Valid: link.ParentJobID != ""}

	_, err := s.db.Exec(query, link.JobID, parent, link.ChainIndex, link.OwnerID, link.CreatedAt)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to create chain record"), ErrStoreWrite)
	}
	return nil
}

// Get returns the chain record for a job, or nil if the job is unchained.
func (s *ChainStore) Get(jobID string) (*ChainedJob, error) {
	query := `SELECT job_id, parent_job_id, chain_index, owner_id, created_at
		FROM chained_jobs WHERE job_id = ?`

	var link ChainedJob
	var parent sql.NullString

	err := s.db.QueryRow(query, jobID).Scan(
		&link.JobID, &parent, &link.ChainIndex, &link.OwnerID, &link.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get chain record")
	}

	if parent.Valid {
		link.ParentJobID = parent.String
	}
	return &link, nil
}

// GetSuccessor returns the chain record whose parent is jobID, or nil.
// Each link has at most one successor; lineage is strictly linear.
func (s *ChainStore) GetSuccessor(jobID string) (*ChainedJob, error) {
	query := `SELECT job_id, parent_job_id, chain_index, owner_id, created_at
		FROM chained_jobs WHERE parent_job_id = ?`

	var link ChainedJob
	var parent sql.NullString

	err := s.db.QueryRow(query, jobID).Scan(
		&link.JobID, &parent, &link.ChainIndex, &link.OwnerID, &link.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get chain successor")
	}

	if parent.Valid {
		link.ParentJobID = parent.String
	}
	return &link, nil
}

// CleanupOldChains deletes lineage records whose job row is terminal and
// older than the cutoff, or missing entirely. Bounded by limit.
func (s *ChainStore) CleanupOldChains(olderThan time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `
		DELETE FROM chained_jobs
		WHERE job_id IN (
			SELECT c.job_id FROM chained_jobs c
			LEFT JOIN scan_jobs j ON j.id = c.job_id
			WHERE j.id IS NULL
			   OR (j.status IN (?, ?, ?, ?) AND j.updated_at < ?)
			LIMIT ?
		)
	`

	result, err := s.db.Exec(query,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusChained,
		cutoff, limit,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old chains")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
