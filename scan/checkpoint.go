package scan

import (
	"time"

	"github.com/skymirror/drivescan/errors"
)

// CheckpointTTL is how long a checkpoint stays resumable after its last
// update. Expired checkpoints are discarded on read.
const CheckpointTTL = 24 * time.Hour

// CheckpointMetadata carries auxiliary scan state that rides along with
// the resumable position.
type CheckpointMetadata struct {
	DuplicatesFound int        `json:"duplicates_found"`
	IndexDelta      IndexDelta `json:"index_delta"`
	PagesProcessed  int        `json:"pages_processed"`
	Errors          []string   `json:"errors,omitempty"`
}

// Checkpoint is the durable, resumable snapshot of an in-progress scan.
// At most one live checkpoint exists per (owner, job); counters are
// monotonically non-decreasing over a job's lifetime.
type Checkpoint struct {
	JobID             string             `json:"job_id"`
	OwnerID           string             `json:"owner_id"`
	ScanID            string             `json:"scan_id"`
	ScanType          ScanType           `json:"scan_type"`
	ContinuationToken string             `json:"continuation_token,omitempty"`
	FilesProcessed    int64              `json:"files_processed"`
	BytesProcessed    int64              `json:"bytes_processed"`
	LastFileID        string             `json:"last_file_id,omitempty"`
	LastModifiedTime  *time.Time         `json:"last_modified_time,omitempty"`
	Metadata          CheckpointMetadata `json:"metadata"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	ExpiresAt         time.Time          `json:"expires_at"`
}

// Validate rejects checkpoints that cannot safely seed a resumed scan:
// missing identifiers, negative counters, or an already-past expiry.
func (c *Checkpoint) Validate(now time.Time) error {
	if c.JobID == "" || c.OwnerID == "" || c.ScanID == "" {
		return errors.Mark(errors.New("checkpoint missing identifiers"), ErrCheckpointInvalid)
	}
	if c.FilesProcessed < 0 || c.BytesProcessed < 0 {
		return errors.Mark(
			errors.Newf("checkpoint has negative counters: files=%d bytes=%d",
				c.FilesProcessed, c.BytesProcessed),
			ErrCheckpointInvalid)
	}
	if !c.ExpiresAt.After(now) {
		return errors.Mark(
			errors.Newf("checkpoint expired at %s", c.ExpiresAt.Format(time.RFC3339)),
			ErrCheckpointInvalid)
	}
	return nil
}
