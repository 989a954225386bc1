package scan

import (
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dstest "github.com/skymirror/drivescan/internal/testing"
)

func record(id, name string, size int64, modified time.Time) FileRecord {
	return FileRecord{
		ID:           id,
		Name:         name,
		MimeType:     "text/plain",
		Size:         size,
		ModifiedTime: modified,
	}
}

func TestApplyCreatesNewEntries(t *testing.T) {
	db := dstest.CreateTestDB(t)
	index := NewFileIndexStore(db)
	d := NewDeltaComputer(index, testLogger())

	now := time.Now().UTC().Truncate(time.Second)
	observed := []FileRecord{
		record("f1", "report.docx", 100, now),
		record("f2", "notes.txt", 50, now),
	}

	events, err := d.Apply("owner1", observed, "scan_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, DeltaCreated, ev.Type)
	}

	entry, err := index.Get("owner1", "f1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Version)
	assert.Equal(t, "scan_1", entry.LastScanID)
}

func TestApplyDetectsModifications(t *testing.T) {
	db := dstest.CreateTestDB(t)
	index := NewFileIndexStore(db)
	d := NewDeltaComputer(index, testLogger())

	now := time.Now().UTC().Truncate(time.Second)
	_, err := d.Apply("owner1", []FileRecord{record("f1", "report.docx", 100, now)}, "scan_1")
	require.NoError(t, err)

	// Same file, larger and newer.
	events, err := d.Apply("owner1", []FileRecord{record("f1", "report.docx", 150, now.Add(time.Hour))}, "scan_2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, DeltaModified, events[0].Type)
	assert.Equal(t, int64(50), events[0].SizeDelta)

	entry, err := index.Get("owner1", "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Version, "modification must bump the version")
	assert.Equal(t, "scan_2", entry.LastScanID)
}

func TestApplyUnchangedEmitsNoEvents(t *testing.T) {
	db := dstest.CreateTestDB(t)
	index := NewFileIndexStore(db)
	d := NewDeltaComputer(index, testLogger())

	now := time.Now().UTC().Truncate(time.Second)
	observed := []FileRecord{record("f1", "report.docx", 100, now)}

	_, err := d.Apply("owner1", observed, "scan_1")
	require.NoError(t, err)

	// Replaying the same page (a resume re-observing it) is silent.
	events, err := d.Apply("owner1", observed, "scan_2")
	require.NoError(t, err)
	assert.Empty(t, events)

	entry, err := index.Get("owner1", "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version)
	assert.Equal(t, "scan_2", entry.LastScanID, "unchanged re-observation still refreshes the scan marker")
}

func TestFinishFullScanMarksDeleted(t *testing.T) {
	db := dstest.CreateTestDB(t)
	index := NewFileIndexStore(db)
	d := NewDeltaComputer(index, testLogger())

	now := time.Now().UTC().Truncate(time.Second)
	first := []FileRecord{
		record("f1", "keep.txt", 10, now),
		record("f2", "gone.txt", 20, now),
		record("f3", "also-gone.txt", 30, now),
	}
	_, err := d.Apply("owner1", first, "scan_1")
	require.NoError(t, err)

	// Second full scan only sees f1.
	_, err = d.Apply("owner1", first[:1], "scan_2")
	require.NoError(t, err)

	events, err := d.FinishFullScan("owner1", "scan_2")
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, DeltaDeleted, ev.Type)
	}

	live, err := index.CountLive("owner1")
	require.NoError(t, err)
	assert.Equal(t, 1, live)

	gone, err := index.Get("owner1", "f2")
	require.NoError(t, err)
	require.NotNil(t, gone)
	assert.True(t, gone.IsDeleted)
}

func TestReappearedFileClearsDeletion(t *testing.T) {
	db := dstest.CreateTestDB(t)
	index := NewFileIndexStore(db)
	d := NewDeltaComputer(index, testLogger())

	now := time.Now().UTC().Truncate(time.Second)
	rec := record("f1", "flaky.txt", 10, now)

	_, err := d.Apply("owner1", []FileRecord{rec}, "scan_1")
	require.NoError(t, err)
	_, err = d.FinishFullScan("owner1", "scan_0")
	require.NoError(t, err)

	entry, err := index.Get("owner1", "f1")
	require.NoError(t, err)
	require.True(t, entry.IsDeleted)

	events, err := d.Apply("owner1", []FileRecord{rec}, "scan_2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, DeltaModified, events[0].Type, "a resurrected file reads as modified")

	entry, err = index.Get("owner1", "f1")
	require.NoError(t, err)
	assert.False(t, entry.IsDeleted)
}
