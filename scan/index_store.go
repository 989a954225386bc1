package scan

import (
	"database/sql"
	"time"

	"github.com/skymirror/drivescan/errors"
)

// FileIndexEntry is the last-known state of one remote file, keyed by
// (owner_id, file_id).
type FileIndexEntry struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Name         string     `json:"name"`
	MimeType     string     `json:"mime_type"`
	Size         int64      `json:"size"`
	ModifiedTime time.Time  `json:"modified_time"`
	ParentID     string     `json:"parent_id,omitempty"`
	ContentHash  string     `json:"content_hash,omitempty"`
	Version      int        `json:"version"`
	LastScanID   string     `json:"last_scan_id"`
	IsDeleted    bool       `json:"is_deleted"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// FileIndexStore persists the owner-scoped file index. Writes are upserts
// keyed by (owner_id, file_id), so replaying a page after a resume is
// idempotent.
type FileIndexStore struct {
	db *sql.DB
}

// NewFileIndexStore creates a new file index store
func NewFileIndexStore(db *sql.DB) *FileIndexStore {
	return &FileIndexStore{db: db}
}

const fileIndexColumns = `owner_id, file_id, name, mime_type, size, modified_time,
	parent_id, content_hash, version, last_scan_id, is_deleted, created_at, updated_at`

// Upsert merge-writes an index entry.
func (s *FileIndexStore) Upsert(entry *FileIndexEntry) error {
	query := `
		INSERT INTO file_index (` + fileIndexColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, file_id) DO UPDATE SET
			name = excluded.name,
			mime_type = excluded.mime_type,
			size = excluded.size,
			modified_time = excluded.modified_time,
			parent_id = excluded.parent_id,
			content_hash = excluded.content_hash,
			version = excluded.version,
			last_scan_id = excluded.last_scan_id,
			is_deleted = excluded.is_deleted,
			updated_at = excluded.updated_at
	`

	parentID := sql.NullString{String: entry.ParentID, Valid: entry.ParentID != ""}
	contentHash := sql.NullString{String: entry.ContentHash, Valid: entry.ContentHash != ""}

	_, err := s.db.Exec(query,
		entry.OwnerID,
		entry.ID,
		entry.Name,
		entry.MimeType,
		entry.Size,
		entry.ModifiedTime,
		parentID,
		contentHash,
		entry.Version,
		entry.LastScanID,
		entry.IsDeleted,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to upsert index entry"), ErrStoreWrite)
	}
	return nil
}

// Get returns one entry, or nil if the file was never indexed.
func (s *FileIndexStore) Get(ownerID, fileID string) (*FileIndexEntry, error) {
	query := `SELECT ` + fileIndexColumns + ` FROM file_index
		WHERE owner_id = ? AND file_id = ?`

	entry, err := s.scanOne(s.db.QueryRow(query, ownerID, fileID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get index entry")
	}
	return entry, nil
}

// GetBatch returns the indexed entries for the given file IDs, keyed by
// file ID. Missing files are simply absent from the map.
func (s *FileIndexStore) GetBatch(ownerID string, fileIDs []string) (map[string]*FileIndexEntry, error) {
	result := make(map[string]*FileIndexEntry, len(fileIDs))
	if len(fileIDs) == 0 {
		return result, nil
	}

	query := `SELECT ` + fileIndexColumns + ` FROM file_index
		WHERE owner_id = ? AND file_id IN (?` + repeatPlaceholder(len(fileIDs)-1) + `)`

	args := make([]interface{}, 0, len(fileIDs)+1)
	args = append(args, ownerID)
	for _, id := range fileIDs {
		args = append(args, id)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to batch-get index entries")
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := s.scanRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan index entry")
		}
		result[entry.ID] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating index entries")
	}

	return result, nil
}

// ListLive returns all non-deleted entries for an owner.
func (s *FileIndexStore) ListLive(ownerID string) ([]*FileIndexEntry, error) {
	query := `SELECT ` + fileIndexColumns + ` FROM file_index
		WHERE owner_id = ? AND is_deleted = 0`

	rows, err := s.db.Query(query, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list live index entries")
	}
	defer rows.Close()

	var entries []*FileIndexEntry
	for rows.Next() {
		entry, err := s.scanRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan index entry")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating index entries")
	}

	return entries, nil
}

// CountLive returns the number of non-deleted entries for an owner.
func (s *FileIndexStore) CountLive(ownerID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM file_index WHERE owner_id = ? AND is_deleted = 0`,
		ownerID,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count live index entries")
	}
	return count, nil
}

// MarkDeletedNotSeen marks every live entry whose last_scan_id is not
// scanID as deleted, returning the affected file IDs. Only valid after a
// full enumeration: a delta scan's absences prove nothing.
func (s *FileIndexStore) MarkDeletedNotSeen(ownerID, scanID string) ([]string, error) {
	selectQuery := `SELECT file_id FROM file_index
		WHERE owner_id = ? AND is_deleted = 0 AND last_scan_id != ?`

	rows, err := s.db.Query(selectQuery, ownerID, scanID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find unobserved index entries")
	}
	defer rows.Close()

	var fileIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan file id")
		}
		fileIDs = append(fileIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating unobserved entries")
	}

	if len(fileIDs) == 0 {
		return nil, nil
	}

	updateQuery := `UPDATE file_index SET is_deleted = 1, updated_at = ?
		WHERE owner_id = ? AND is_deleted = 0 AND last_scan_id != ?`

	if _, err := s.db.Exec(updateQuery, time.Now(), ownerID, scanID); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to mark unobserved entries deleted"), ErrStoreWrite)
	}

	return fileIDs, nil
}

func (s *FileIndexStore) scanOne(row *sql.Row) (*FileIndexEntry, error) {
	var entry FileIndexEntry
	var parentID, contentHash sql.NullString

	err := row.Scan(
		&entry.OwnerID, &entry.ID, &entry.Name, &entry.MimeType,
		&entry.Size, &entry.ModifiedTime, &parentID, &contentHash,
		&entry.Version, &entry.LastScanID, &entry.IsDeleted,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		entry.ParentID = parentID.String
	}
	if contentHash.Valid {
		entry.ContentHash = contentHash.String
	}
	return &entry, nil
}

func (s *FileIndexStore) scanRow(rows *sql.Rows) (*FileIndexEntry, error) {
	var entry FileIndexEntry
	var parentID, contentHash sql.NullString

	err := rows.Scan(
		&entry.OwnerID, &entry.ID, &entry.Name, &entry.MimeType,
		&entry.Size, &entry.ModifiedTime, &parentID, &contentHash,
		&entry.Version, &entry.LastScanID, &entry.IsDeleted,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		entry.ParentID = parentID.String
	}
	if contentHash.Valid {
		entry.ContentHash = contentHash.String
	}
	return &entry, nil
}

// repeatPlaceholder returns n copies of ", ?" for IN clauses.
func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
