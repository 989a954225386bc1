// Package scan implements the resumable, checkpointed enumeration and
// indexing pipeline for large remote file hierarchies.
package scan

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a scan job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusChained   JobStatus = "chained"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled, JobStatusChained:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a final state. A chained job is
// terminal for its own execution; its successor carries the work forward.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusChained:
		return true
	default:
		return false
	}
}

// ScanType distinguishes full enumeration from incremental (delta) scans
type ScanType string

const (
	ScanTypeFull  ScanType = "full"
	ScanTypeDelta ScanType = "delta"
)

// Progress represents scan job progress information
type Progress struct {
	Current        int    `json:"current,omitempty"` // Completed operations this execution
	Total          int    `json:"total,omitempty"`   // Total operations if known (0 = unknown)
	Step           string `json:"step,omitempty"`    // Human-readable current phase
	FilesProcessed int64  `json:"files_processed"`
	BytesProcessed int64  `json:"bytes_processed"`
}

// Percentage calculates progress as a percentage (0-100)
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// JobConfig holds the per-job scan filters.
type JobConfig struct {
	MaxDepth       int    `json:"max_depth,omitempty"`  // 0 = unlimited
	IncludeTrashed bool   `json:"include_trashed,omitempty"`
	RootScopeID    string `json:"root_scope_id,omitempty"` // restrict the scan to one subtree
}

// IndexDelta summarizes index mutations produced by one scan.
type IndexDelta struct {
	Created  int `json:"created"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
}

// Results holds the final output of a completed scan, including the
// derived duplicate clusters. Only the last link of a chain carries
// duplicate results; earlier links report enumeration counters only.
type Results struct {
	FilesScanned    int64            `json:"files_scanned"`
	BytesScanned    int64            `json:"bytes_scanned"`
	PagesProcessed  int              `json:"pages_processed"`
	IndexDelta      IndexDelta       `json:"index_delta"`
	DuplicateGroups []DuplicateGroup `json:"duplicate_groups,omitempty"`
	VersionChains   []VersionChain   `json:"version_chains,omitempty"`
	SpaceWasted     int64            `json:"space_wasted,omitempty"`
}

// Job represents one bounded scan execution. A hierarchy too large for a
// single execution completes as a chain of jobs handing off through
// checkpoints (see JobChainManager).
type Job struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Status      JobStatus  `json:"status"`
	Type        ScanType   `json:"type"`
	Progress    Progress   `json:"progress"`
	Config      JobConfig  `json:"config"`
	Results     *Results   `json:"results,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a pending scan job for an owner.
func NewJob(ownerID string, scanType ScanType, cfg JobConfig) *Job {
	now := time.Now()
	return &Job{
		ID:        "scan_" + uuid.New().String(),
		OwnerID:   ownerID,
		Status:    JobStatusPending,
		Type:      scanType,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start marks the job as running
func (j *Job) Start() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete marks the job as completed with its final results
func (j *Job) Complete(results *Results) {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.Results = results
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(err error) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.Error = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Cancel marks the job as cancelled with a reason
func (j *Job) Cancel(reason string) {
	now := time.Now()
	j.Status = JobStatusCancelled
	j.Error = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Chain marks the job as handed off to a successor execution
func (j *Job) Chain() {
	now := time.Now()
	j.Status = JobStatusChained
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// UpdateProgress records batch progress on the job
func (j *Job) UpdateProgress(step string, files, bytes int64) {
	j.Progress.Step = step
	j.Progress.FilesProcessed = files
	j.Progress.BytesProcessed = bytes
	j.Progress.Current = int(files)
	j.UpdatedAt = time.Now()
}
