package scan

import (
	"time"

	"go.uber.org/zap"

	"github.com/skymirror/drivescan/errors"
)

// DeltaType classifies an index mutation event
type DeltaType string

const (
	DeltaCreated  DeltaType = "created"
	DeltaModified DeltaType = "modified"
	DeltaDeleted  DeltaType = "deleted"
)

// DeltaEvent is one created/modified/deleted observation against the index.
type DeltaEvent struct {
	Type      DeltaType `json:"type"`
	FileID    string    `json:"file_id"`
	Name      string    `json:"name"`
	SizeDelta int64     `json:"size_delta,omitempty"` // modified events only
}

// DeltaComputer merges observed files into the file index and emits
// created/modified/deleted events. Index writes are idempotent upserts,
// so replaying a page after a resume produces no spurious events: an
// unchanged re-observation only refreshes last_scan_id.
type DeltaComputer struct {
	index  *FileIndexStore
	logger *zap.SugaredLogger
}

// NewDeltaComputer creates a delta computer over the file index
func NewDeltaComputer(index *FileIndexStore, logger *zap.SugaredLogger) *DeltaComputer {
	return &DeltaComputer{index: index, logger: logger}
}

// Apply merges one batch of observed files for an owner under scanID.
// Per file: unseen -> created; seen but differing in name, size, or
// modified time -> modified; unchanged -> last_scan_id refresh only.
func (d *DeltaComputer) Apply(ownerID string, observed []FileRecord, scanID string) ([]DeltaEvent, error) {
	if len(observed) == 0 {
		return nil, nil
	}

	fileIDs := make([]string, len(observed))
	for i, rec := range observed {
		fileIDs[i] = rec.ID
	}

	existing, err := d.index.GetBatch(ownerID, fileIDs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load existing index entries")
	}

	now := time.Now()
	var events []DeltaEvent

	for _, rec := range observed {
		parentID := ""
		if len(rec.ParentIDs) > 0 {
			parentID = rec.ParentIDs[0]
		}

		prev, seen := existing[rec.ID]
		switch {
		case !seen:
			entry := &FileIndexEntry{
				ID:           rec.ID,
				OwnerID:      ownerID,
				Name:         rec.Name,
				MimeType:     rec.MimeType,
				Size:         rec.Size,
				ModifiedTime: rec.ModifiedTime,
				ParentID:     parentID,
				ContentHash:  rec.ContentHash,
				Version:      1,
				LastScanID:   scanID,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := d.index.Upsert(entry); err != nil {
				return events, err
			}
			events = append(events, DeltaEvent{Type: DeltaCreated, FileID: rec.ID, Name: rec.Name})

		case d.changed(prev, rec):
			sizeDelta := rec.Size - prev.Size
			prev.Name = rec.Name
			prev.MimeType = rec.MimeType
			prev.Size = rec.Size
			prev.ModifiedTime = rec.ModifiedTime
			prev.ParentID = parentID
			prev.ContentHash = rec.ContentHash
			prev.Version++
			prev.LastScanID = scanID
			prev.IsDeleted = false
			prev.UpdatedAt = now
			if err := d.index.Upsert(prev); err != nil {
				return events, err
			}
			events = append(events, DeltaEvent{Type: DeltaModified, FileID: rec.ID, Name: rec.Name, SizeDelta: sizeDelta})

		default:
			// Unchanged: refresh the scan marker so the full-scan deletion
			// sweep knows this file is still present. Not a delta.
			prev.LastScanID = scanID
			prev.IsDeleted = false
			prev.UpdatedAt = now
			if err := d.index.Upsert(prev); err != nil {
				return events, err
			}
		}
	}

	return events, nil
}

// FinishFullScan marks every live entry not re-observed under scanID as
// deleted and emits the matching events. Deletion inference is only
// trusted after a full enumeration; callers must not run this for delta
// scans.
func (d *DeltaComputer) FinishFullScan(ownerID, scanID string) ([]DeltaEvent, error) {
	deletedIDs, err := d.index.MarkDeletedNotSeen(ownerID, scanID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to run deletion sweep")
	}

	events := make([]DeltaEvent, 0, len(deletedIDs))
	for _, id := range deletedIDs {
		events = append(events, DeltaEvent{Type: DeltaDeleted, FileID: id})
	}

	if len(events) > 0 {
		d.logger.Infow("Full-scan deletion sweep complete",
			"owner_id", ownerID,
			"scan_id", scanID,
			"deleted", len(events))
	}

	return events, nil
}

// changed reports whether a re-observation differs from the indexed state
// in name, size, or modified time. A previously deleted entry reappearing
// also counts as changed.
func (d *DeltaComputer) changed(prev *FileIndexEntry, rec FileRecord) bool {
	return prev.Name != rec.Name ||
		prev.Size != rec.Size ||
		!prev.ModifiedTime.Equal(rec.ModifiedTime) ||
		prev.IsDeleted
}
