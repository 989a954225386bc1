package scan

import (
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymirror/drivescan/errors"
	dstest "github.com/skymirror/drivescan/internal/testing"
)

func TestCreateAndGetJob(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewJobStore(db)

	job := NewJob("owner1", ScanTypeFull, JobConfig{MaxDepth: 5, IncludeTrashed: true})
	require.NoError(t, store.CreateJob(job))

	retrieved, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, retrieved.ID)
	assert.Equal(t, "owner1", retrieved.OwnerID)
	assert.Equal(t, JobStatusPending, retrieved.Status)
	assert.Equal(t, ScanTypeFull, retrieved.Type)
	assert.Equal(t, 5, retrieved.Config.MaxDepth)
	assert.True(t, retrieved.Config.IncludeTrashed)
}

func TestGetJobNotFound(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewJobStore(db)

	_, err := store.GetJob("scan_missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpdateJobLifecycle(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewJobStore(db)

	job := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, store.CreateJob(job))

	job.Start()
	job.UpdateProgress("enumerating", 1500, 1<<20)
	require.NoError(t, store.UpdateJob(job))

	running, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, running.Status)
	assert.Equal(t, int64(1500), running.Progress.FilesProcessed)
	assert.NotNil(t, running.StartedAt)

	job.Complete(&Results{FilesScanned: 1500, PagesProcessed: 2})
	require.NoError(t, store.UpdateJob(job))

	done, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, done.Status)
	require.NotNil(t, done.Results)
	assert.Equal(t, int64(1500), done.Results.FilesScanned)
	assert.NotNil(t, done.CompletedAt)
}

func TestClaimNextPending(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewJobStore(db)

	first := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, store.CreateJob(first))
	time.Sleep(5 * time.Millisecond) // distinct created_at ordering
	second := NewJob("owner2", ScanTypeDelta, JobConfig{})
	require.NoError(t, store.CreateJob(second))

	claimed, err := store.ClaimNextPending()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID, "oldest pending job is claimed first")
	assert.Equal(t, JobStatusRunning, claimed.Status)

	claimed2, err := store.ClaimNextPending()
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, second.ID, claimed2.ID)

	none, err := store.ClaimNextPending()
	require.NoError(t, err)
	assert.Nil(t, none, "empty queue claims nothing")
}

func TestListJobsByStatusAndOwner(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewJobStore(db)

	a := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, store.CreateJob(a))
	b := NewJob("owner2", ScanTypeFull, JobConfig{})
	require.NoError(t, store.CreateJob(b))
	b.Start()
	require.NoError(t, store.UpdateJob(b))

	pending := JobStatusPending
	jobs, err := store.ListJobs(&pending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, a.ID, jobs[0].ID)

	byOwner, err := store.ListJobsByOwner("owner2", 10)
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, b.ID, byOwner[0].ID)

	all, err := store.ListJobs(nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetJobCounts(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewJobStore(db)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateJob(NewJob("owner1", ScanTypeFull, JobConfig{})))
	}
	running := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, store.CreateJob(running))
	running.Start()
	require.NoError(t, store.UpdateJob(running))

	pending, active, err := store.GetJobCounts()
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
	assert.Equal(t, 1, active)
}

func TestCleanupOldJobs(t *testing.T) {
	db := dstest.CreateTestDB(t)
	store := NewJobStore(db)

	old := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, store.CreateJob(old))
	old.Complete(&Results{})
	old.UpdatedAt = time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, store.UpdateJob(old))

	fresh := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, store.CreateJob(fresh))

	removed, err := store.CleanupOldJobs(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetJob(old.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = store.GetJob(fresh.ID)
	assert.NoError(t, err, "pending jobs are never cleaned up")
}
