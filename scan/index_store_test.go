package scan

import (
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dstest "github.com/skymirror/drivescan/internal/testing"
)

func testEntry(ownerID, fileID, name string) *FileIndexEntry {
	now := time.Now().UTC().Truncate(time.Second)
	return &FileIndexEntry{
		ID:           fileID,
		OwnerID:      ownerID,
		Name:         name,
		MimeType:     "text/plain",
		Size:         100,
		ModifiedTime: now,
		ContentHash:  "abc123",
		Version:      1,
		LastScanID:   "scan_1",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewFileIndexStore(db)

	entry := testEntry("owner1", "f1", "a.txt")
	require.NoError(t, store.Upsert(entry))
	require.NoError(t, store.Upsert(entry), "replaying the same write must not error")

	count, err := store.CountLive("owner1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "idempotent upsert keyed on (owner, file)")
}

func TestUpsertMergesOnConflict(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewFileIndexStore(db)

	entry := testEntry("owner1", "f1", "a.txt")
	require.NoError(t, store.Upsert(entry))

	entry.Name = "renamed.txt"
	entry.Size = 250
	entry.Version = 2
	entry.LastScanID = "scan_2"
	require.NoError(t, store.Upsert(entry))

	got, err := store.Get("owner1", "f1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "renamed.txt", got.Name)
	assert.Equal(t, int64(250), got.Size)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "scan_2", got.LastScanID)
}

func TestSameFileIDDifferentOwners(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewFileIndexStore(db)

	require.NoError(t, store.Upsert(testEntry("owner1", "f1", "mine.txt")))
	require.NoError(t, store.Upsert(testEntry("owner2", "f1", "theirs.txt")))

	mine, err := store.Get("owner1", "f1")
	require.NoError(t, err)
	assert.Equal(t, "mine.txt", mine.Name)

	theirs, err := store.Get("owner2", "f1")
	require.NoError(t, err)
	assert.Equal(t, "theirs.txt", theirs.Name)
}

func TestGetBatch(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewFileIndexStore(db)

	require.NoError(t, store.Upsert(testEntry("owner1", "f1", "a.txt")))
	require.NoError(t, store.Upsert(testEntry("owner1", "f2", "b.txt")))

	got, err := store.GetBatch("owner1", []string{"f1", "f2", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "f1")
	assert.Contains(t, got, "f2")
	assert.NotContains(t, got, "missing")

	empty, err := store.GetBatch("owner1", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMarkDeletedNotSeen(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewFileIndexStore(db)

	seen := testEntry("owner1", "f1", "seen.txt")
	seen.LastScanID = "scan_2"
	require.NoError(t, store.Upsert(seen))

	unseen := testEntry("owner1", "f2", "unseen.txt")
	unseen.LastScanID = "scan_1"
	require.NoError(t, store.Upsert(unseen))

	otherOwner := testEntry("owner2", "f3", "other.txt")
	otherOwner.LastScanID = "scan_1"
	require.NoError(t, store.Upsert(otherOwner))

	deleted, err := store.MarkDeletedNotSeen("owner1", "scan_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"f2"}, deleted)

	// The sweep is scoped to one owner.
	other, err := store.Get("owner2", "f3")
	require.NoError(t, err)
	assert.False(t, other.IsDeleted)

	// Already-deleted entries are not re-reported by a later sweep.
	again, err := store.MarkDeletedNotSeen("owner1", "scan_3")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, again, "only the still-live entry is swept")
}

func TestListLiveExcludesDeleted(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewFileIndexStore(db)

	require.NoError(t, store.Upsert(testEntry("owner1", "f1", "live.txt")))
	dead := testEntry("owner1", "f2", "dead.txt")
	dead.IsDeleted = true
	require.NoError(t, store.Upsert(dead))

	live, err := store.ListLive("owner1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "f1", live[0].ID)
}
