package scan

import (
	"time"

	"go.uber.org/zap"

	"github.com/skymirror/drivescan/errors"
)

// Checkpoint cadence defaults. The dual trigger bounds both write
// amplification (file interval) and re-work lost on resume (time interval).
const (
	DefaultCheckpointFileInterval = 5000
	DefaultCheckpointTimeInterval = 30 * time.Second
)

// CheckpointManager owns checkpoint lifecycle and cadence for one job
// execution. Not safe for concurrent use; each job runs as a single
// sequential worker.
type CheckpointManager struct {
	store        *CheckpointStore
	logger       *zap.SugaredLogger
	fileInterval int64
	timeInterval time.Duration
	ttl          time.Duration

	filesSinceCheckpoint int64
	lastCheckpointAt     time.Time
	timeNow              func() time.Time // Injectable for testing
}

// NewCheckpointManager creates a manager with default cadence and TTL.
func NewCheckpointManager(store *CheckpointStore, logger *zap.SugaredLogger) *CheckpointManager {
	return NewCheckpointManagerWithClock(store, logger, time.Now)
}

// NewCheckpointManagerWithClock creates a manager with an injectable clock (for testing)
func NewCheckpointManagerWithClock(store *CheckpointStore, logger *zap.SugaredLogger, timeNow func() time.Time) *CheckpointManager {
	return &CheckpointManager{
		store:            store,
		logger:           logger,
		fileInterval:     DefaultCheckpointFileInterval,
		timeInterval:     DefaultCheckpointTimeInterval,
		ttl:              CheckpointTTL,
		lastCheckpointAt: timeNow(),
		timeNow:          timeNow,
	}
}

// SetCadence overrides the checkpoint cadence thresholds.
func (m *CheckpointManager) SetCadence(fileInterval int64, timeInterval time.Duration) {
	if fileInterval > 0 {
		m.fileInterval = fileInterval
	}
	if timeInterval > 0 {
		m.timeInterval = timeInterval
	}
}

// SetTTL overrides how long saved checkpoints stay resumable.
func (m *CheckpointManager) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		m.ttl = ttl
	}
}

// ShouldCheckpoint accumulates files processed since the last checkpoint
// and reports whether one is due: accumulated files >= the file interval
// OR elapsed time >= the time interval. Both accumulators reset when it
// fires.
func (m *CheckpointManager) ShouldCheckpoint(filesDelta int64) bool {
	m.filesSinceCheckpoint += filesDelta

	now := m.timeNow()
	if m.filesSinceCheckpoint >= m.fileInterval || now.Sub(m.lastCheckpointAt) >= m.timeInterval {
		m.filesSinceCheckpoint = 0
		m.lastCheckpointAt = now
		return true
	}
	return false
}

// Save stamps and persists the checkpoint: updated_at = now,
// expires_at = now + TTL, created_at set on first save. A save failure is
// non-fatal — it widens the window of re-work lost on resume but must not
// abort the scan — so it is logged and swallowed here.
func (m *CheckpointManager) Save(cp *Checkpoint) {
	now := m.timeNow()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.ExpiresAt = now.Add(m.ttl)

	if err := m.store.Save(cp); err != nil {
		m.logger.Warnw("Checkpoint save failed, scan continues without a fresh checkpoint",
			"job_id", cp.JobID,
			"owner_id", cp.OwnerID,
			"files_processed", cp.FilesProcessed,
			"error", err)
	}
}

// Load returns a validated checkpoint for (ownerID, jobID), or nil when
// none is resumable. A malformed checkpoint is discarded with a warning —
// the job restarts from scratch rather than failing.
func (m *CheckpointManager) Load(ownerID, jobID string) (*Checkpoint, error) {
	cp, err := m.store.Get(ownerID, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load checkpoint")
	}
	if cp == nil {
		return nil, nil
	}

	if err := cp.Validate(m.timeNow()); err != nil {
		m.logger.Warnw("Discarding invalid checkpoint, restarting scan from scratch",
			"job_id", jobID,
			"owner_id", ownerID,
			"error", err)
		if delErr := m.store.Delete(ownerID, jobID); delErr != nil {
			m.logger.Warnw("Failed to delete invalid checkpoint", "job_id", jobID, "error", delErr)
		}
		return nil, nil
	}

	return cp, nil
}

// CreateRecoveryCheckpoint persists best-effort state when the scan loop
// fails before a scheduled checkpoint, appending the failure to the
// checkpoint's error history so the resuming execution can see it.
func (m *CheckpointManager) CreateRecoveryCheckpoint(scanErr error, lastKnown *Checkpoint) {
	if lastKnown == nil {
		return
	}
	lastKnown.Metadata.Errors = append(lastKnown.Metadata.Errors, scanErr.Error())
	m.Save(lastKnown)

	m.logger.Infow("Recovery checkpoint persisted",
		"job_id", lastKnown.JobID,
		"owner_id", lastKnown.OwnerID,
		"files_processed", lastKnown.FilesProcessed,
		"error_count", len(lastKnown.Metadata.Errors))
}

// Delete removes the job's checkpoint after a successful completion.
func (m *CheckpointManager) Delete(ownerID, jobID string) error {
	return m.store.Delete(ownerID, jobID)
}

// CleanupExpired removes up to limit expired checkpoints.
func (m *CheckpointManager) CleanupExpired(limit int) (int, error) {
	return m.store.CleanupExpired(limit)
}
