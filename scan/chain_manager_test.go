package scan

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dstest "github.com/skymirror/drivescan/internal/testing"
)

func newTestChainManager(t *testing.T, policy ChainPolicy, clock *fakeClock) (*JobChainManager, *JobStore, *ChainStore, *CheckpointStore) {
	t.Helper()
	db := dstest.CreateTestDB(t)
	jobs := NewJobStore(db)
	chains := NewChainStore(db)
	checkpoints := NewCheckpointStore(db)
	m := NewJobChainManagerWithClock(jobs, chains, checkpoints, policy, testLogger(), clock.Now)
	return m, jobs, chains, checkpoints
}

func TestShouldChainJobTimeBudget(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	policy := DefaultChainPolicy()
	m, _, _, _ := newTestChainManager(t, policy, clock)

	assert.False(t, m.ShouldChainJob(1000))

	clock.Advance(8 * time.Minute)
	assert.True(t, m.ShouldChainJob(0), "exhausted time budget must force a hand-off")
}

func TestShouldChainJobFileBudget(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, _, _, _ := newTestChainManager(t, DefaultChainPolicy(), clock)

	assert.False(t, m.ShouldChainJob(49999))
	assert.True(t, m.ShouldChainJob(1), "50k cumulative files must force a hand-off")
}

func TestHasTimeForMoreFiles(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, _, _, _ := newTestChainManager(t, DefaultChainPolicy(), clock)

	// 10ms per file, 1000-file batch = 10s; plenty of budget left.
	assert.True(t, m.HasTimeForMoreFiles(10*time.Millisecond, 1000))

	// 7.5 minutes in, the 30s safety buffer leaves no room.
	clock.Advance(7*time.Minute + 30*time.Second)
	assert.False(t, m.HasTimeForMoreFiles(10*time.Millisecond, 1000))
}

func TestCreateChainedJob(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, jobs, chains, checkpoints := newTestChainManager(t, DefaultChainPolicy(), clock)

	parent := NewJob("owner1", ScanTypeFull, JobConfig{MaxDepth: 3})
	require.NoError(t, jobs.CreateJob(parent))

	cp := testCheckpoint("owner1", parent.ID)
	cp.CreatedAt = clock.Now()
	cp.UpdatedAt = cp.CreatedAt
	cp.ExpiresAt = cp.CreatedAt.Add(CheckpointTTL)
	require.NoError(t, checkpoints.Save(cp))

	parent.Chain()
	require.NoError(t, jobs.UpdateJob(parent))

	successor, err := m.CreateChainedJob(parent, cp)
	require.NoError(t, err)
	require.NotNil(t, successor)

	// Successor is a pending job with the parent's scan parameters.
	stored, err := jobs.GetJob(successor.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.Equal(t, parent.OwnerID, stored.OwnerID)
	assert.Equal(t, parent.Type, stored.Type)
	assert.Equal(t, parent.Config.MaxDepth, stored.Config.MaxDepth)

	// Lineage: parent got a root record at index 0, successor at index 1.
	rootLink, err := chains.Get(parent.ID)
	require.NoError(t, err)
	require.NotNil(t, rootLink)
	assert.Equal(t, 0, rootLink.ChainIndex)

	succLink, err := chains.Get(successor.ID)
	require.NoError(t, err)
	require.NotNil(t, succLink)
	assert.Equal(t, 1, succLink.ChainIndex)
	assert.Equal(t, parent.ID, succLink.ParentJobID)

	// The checkpoint moved to the successor's key with counters reset.
	handoff, err := checkpoints.Get("owner1", successor.ID)
	require.NoError(t, err)
	require.NotNil(t, handoff)
	assert.Equal(t, "page-42", handoff.ContinuationToken, "position must survive the hop")
	assert.Equal(t, cp.ScanID, handoff.ScanID, "scan marker must stay stable across the chain")
	assert.Zero(t, handoff.FilesProcessed, "counters are per-execution")
	assert.Zero(t, handoff.BytesProcessed)

	orphaned, err := checkpoints.Get("owner1", parent.ID)
	require.NoError(t, err)
	assert.Nil(t, orphaned, "parent checkpoint must be superseded")
}

func TestCreateChainedJobMaxLength(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	policy := DefaultChainPolicy()
	policy.MaxLength = 2
	m, jobs, chains, checkpoints := newTestChainManager(t, policy, clock)

	parent := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, jobs.CreateJob(parent))
	require.NoError(t, chains.Create(&ChainedJob{
		JobID: parent.ID, ChainIndex: 2, OwnerID: "owner1", CreatedAt: clock.Now(),
	}))

	jobCountBefore := countRows(t, jobs.db, "scan_jobs")
	chainCountBefore := countRows(t, jobs.db, "chained_jobs")

	cp := testCheckpoint("owner1", parent.ID)
	successor, err := m.CreateChainedJob(parent, cp)
	require.Error(t, err)
	assert.Nil(t, successor)
	assert.True(t, IsChainExhausted(err))

	// Nothing may be persisted on a refused hand-off.
	assert.Equal(t, jobCountBefore, countRows(t, jobs.db, "scan_jobs"))
	assert.Equal(t, chainCountBefore, countRows(t, jobs.db, "chained_jobs"))
	handoff, err := checkpoints.Get("owner1", parent.ID)
	require.NoError(t, err)
	assert.Nil(t, handoff)
}

func TestGetFullChain(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, jobs, _, checkpoints := newTestChainManager(t, DefaultChainPolicy(), clock)

	root := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, jobs.CreateJob(root))
	cp := testCheckpoint("owner1", root.ID)

	root.Chain()
	require.NoError(t, jobs.UpdateJob(root))
	mid, err := m.CreateChainedJob(root, cp)
	require.NoError(t, err)

	midCP, err := checkpoints.Get("owner1", mid.ID)
	require.NoError(t, err)
	mid.Chain()
	require.NoError(t, jobs.UpdateJob(mid))
	tail, err := m.CreateChainedJob(mid, midCP)
	require.NoError(t, err)

	chain, err := m.GetFullChain(root.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, root.ID, chain[0].Chain.JobID)
	assert.Equal(t, 0, chain[0].Chain.ChainIndex)
	assert.Equal(t, mid.ID, chain[1].Chain.JobID)
	assert.Equal(t, tail.ID, chain[2].Chain.JobID)
	assert.Equal(t, 2, chain[2].Chain.ChainIndex)
}

func TestGetFullChainUnchainedRoot(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, jobs, _, _ := newTestChainManager(t, DefaultChainPolicy(), clock)

	solo := NewJob("owner1", ScanTypeDelta, JobConfig{})
	require.NoError(t, jobs.CreateJob(solo))

	chain, err := m.GetFullChain(solo.ID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, 0, chain[0].Chain.ChainIndex, "unchained job is its own index-0 link")
}

func TestAggregateChainResults(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, jobs, _, checkpoints := newTestChainManager(t, DefaultChainPolicy(), clock)

	root := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, jobs.CreateJob(root))

	// Link 0 processed 1000 files, link 1 another 1000, link 2 the last 500.
	cp := testCheckpoint("owner1", root.ID)
	root.UpdateProgress("enumerating", 1000, 1000*100)
	root.Chain()
	require.NoError(t, jobs.UpdateJob(root))
	mid, err := m.CreateChainedJob(root, cp)
	require.NoError(t, err)

	midCP, err := checkpoints.Get("owner1", mid.ID)
	require.NoError(t, err)
	mid.UpdateProgress("enumerating", 1000, 1000*100)
	mid.Chain()
	require.NoError(t, jobs.UpdateJob(mid))
	tail, err := m.CreateChainedJob(mid, midCP)
	require.NoError(t, err)

	tail.UpdateProgress("enumerating", 500, 500*100)
	tail.Complete(&Results{FilesScanned: 500, PagesProcessed: 1})
	require.NoError(t, jobs.UpdateJob(tail))

	agg, err := m.AggregateChainResults(root.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Links)
	assert.Equal(t, int64(2500), agg.FilesProcessed, "chain total is the sum of per-link counters")
	assert.Equal(t, int64(250000), agg.BytesProcessed)
	assert.Equal(t, JobStatusCompleted, agg.Status)
}

func TestAggregateChainResultsStatusDerivation(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m, jobs, _, _ := newTestChainManager(t, DefaultChainPolicy(), clock)

	root := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, jobs.CreateJob(root))
	cp := testCheckpoint("owner1", root.ID)
	root.Chain()
	require.NoError(t, jobs.UpdateJob(root))
	successor, err := m.CreateChainedJob(root, cp)
	require.NoError(t, err)

	// Successor still pending -> chain is running.
	agg, err := m.AggregateChainResults(root.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, agg.Status)

	// A failed link dominates.
	successor.Fail(assert.AnError)
	require.NoError(t, jobs.UpdateJob(successor))
	agg, err = m.AggregateChainResults(root.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, agg.Status)
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}
