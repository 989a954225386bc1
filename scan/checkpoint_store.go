package scan

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/skymirror/drivescan/errors"
)

// CheckpointStore persists resumable scan checkpoints, keyed by
// (owner_id, job_id). Writes are merge-writes (upserts) so replaying a
// save after a partial failure is safe.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a new checkpoint store
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save upserts the checkpoint. Timestamps and expiry are the caller's
// responsibility (CheckpointManager stamps them), so the persisted record
// round-trips byte-for-byte across process restarts.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	metadataJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal checkpoint metadata")
	}

	query := `
		INSERT INTO scan_checkpoints (
			owner_id, job_id, scan_id, scan_type,
			continuation_token, files_processed, bytes_processed,
			last_file_id, last_modified_time, metadata,
			created_at, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, job_id) DO UPDATE SET
			scan_id = excluded.scan_id,
			scan_type = excluded.scan_type,
			continuation_token = excluded.continuation_token,
			files_processed = excluded.files_processed,
			bytes_processed = excluded.bytes_processed,
			last_file_id = excluded.last_file_id,
			last_modified_time = excluded.last_modified_time,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`

	token := sql.NullString{String: cp.ContinuationToken, Valid: cp.ContinuationToken != ""}
	lastFileID := sql.NullString{String: cp.LastFileID, Valid: cp.LastFileID != ""}

	_, err = s.db.Exec(query,
		cp.OwnerID,
		cp.JobID,
		cp.ScanID,
		cp.ScanType,
		token,
		cp.FilesProcessed,
		cp.BytesProcessed,
		lastFileID,
		cp.LastModifiedTime,
		string(metadataJSON),
		cp.CreatedAt,
		cp.UpdatedAt,
		cp.ExpiresAt,
	)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to save checkpoint"), ErrStoreWrite)
	}

	return nil
}

// Get returns the checkpoint for (ownerID, jobID), or nil if none exists.
// An expired checkpoint is deleted on read and nil is returned: a stale
// position must never seed a resumed scan.
func (s *CheckpointStore) Get(ownerID, jobID string) (*Checkpoint, error) {
	query := `
		SELECT owner_id, job_id, scan_id, scan_type,
		       continuation_token, files_processed, bytes_processed,
		       last_file_id, last_modified_time, metadata,
		       created_at, updated_at, expires_at
		FROM scan_checkpoints
		WHERE owner_id = ? AND job_id = ?
	`

	var cp Checkpoint
	var token, lastFileID, metadataJSON sql.NullString
	var lastModified sql.NullTime

	err := s.db.QueryRow(query, ownerID, jobID).Scan(
		&cp.OwnerID,
		&cp.JobID,
		&cp.ScanID,
		&cp.ScanType,
		&token,
		&cp.FilesProcessed,
		&cp.BytesProcessed,
		&lastFileID,
		&lastModified,
		&metadataJSON,
		&cp.CreatedAt,
		&cp.UpdatedAt,
		&cp.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get checkpoint")
	}

	if token.Valid {
		cp.ContinuationToken = token.String
	}
	if lastFileID.Valid {
		cp.LastFileID = lastFileID.String
	}
	if lastModified.Valid {
		cp.LastModifiedTime = &lastModified.Time
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &cp.Metadata); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal checkpoint metadata for job %s", jobID)
		}
	}

	if !cp.ExpiresAt.After(time.Now()) {
		if err := s.Delete(ownerID, jobID); err != nil {
			return nil, errors.Wrap(err, "failed to delete expired checkpoint")
		}
		return nil, nil
	}

	return &cp, nil
}

// Delete removes the checkpoint for (ownerID, jobID). Deleting a missing
// checkpoint is not an error.
func (s *CheckpointStore) Delete(ownerID, jobID string) error {
	_, err := s.db.Exec(
		`DELETE FROM scan_checkpoints WHERE owner_id = ? AND job_id = ?`,
		ownerID, jobID,
	)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to delete checkpoint"), ErrStoreWrite)
	}
	return nil
}

// CleanupExpired deletes up to limit expired checkpoints. Maintenance
// task, not on the scan hot path.
func (s *CheckpointStore) CleanupExpired(limit int) (int, error) {
	query := `
		DELETE FROM scan_checkpoints
		WHERE rowid IN (
			SELECT rowid FROM scan_checkpoints
			WHERE expires_at <= ?
			LIMIT ?
		)
	`

	result, err := s.db.Exec(query, time.Now(), limit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup expired checkpoints")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}
