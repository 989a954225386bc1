package scan

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymirror/drivescan/errors"
	dstest "github.com/skymirror/drivescan/internal/testing"
)

// fakeSource pages through an in-memory file list using numeric offset
// tokens, optionally failing specific calls.
type fakeSource struct {
	files  []FileRecord
	failOn map[int]error  // 1-based call number -> error
	hook   func(call int) // observe state between pages
	calls  int
}

func (s *fakeSource) List(ctx context.Context, token string, pageSize int, filters ListFilters) (*Page, error) {
	s.calls++
	if s.hook != nil {
		s.hook(s.calls)
	}
	if err := s.failOn[s.calls]; err != nil {
		return nil, err
	}

	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			return nil, errors.Newf("bad token %q", token)
		}
		start = n
	}

	end := start + pageSize
	if end > len(s.files) {
		end = len(s.files)
	}

	page := &Page{Records: s.files[start:end]}
	if end < len(s.files) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func sourceFiles(n int) []FileRecord {
	now := time.Now().UTC().Truncate(time.Second)
	files := make([]FileRecord, n)
	for i := range files {
		files[i] = FileRecord{
			ID:           fmt.Sprintf("f%03d", i),
			Name:         fmt.Sprintf("file%03d.txt", i),
			MimeType:     "text/plain",
			Size:         100,
			ModifiedTime: now,
			ContentHash:  fmt.Sprintf("hash%03d", i),
		}
	}
	return files
}

type orchestratorFixture struct {
	orch        *ScanOrchestrator
	jobs        *JobStore
	index       *FileIndexStore
	checkpoints *CheckpointStore
	chains      *ChainStore
}

func newOrchestratorFixture(t *testing.T, src RemoteFileSource, opts OrchestratorOptions) *orchestratorFixture {
	t.Helper()
	db := dstest.CreateTestDB(t)
	jobs := NewJobStore(db)
	chains := NewChainStore(db)
	checkpoints := NewCheckpointStore(db)
	index := NewFileIndexStore(db)
	detector := NewDuplicateDetector(DefaultDetectorParams(), testLogger())

	orch := NewScanOrchestrator(src, jobs, chains, checkpoints, index, detector, opts, testLogger())
	return &orchestratorFixture{
		orch:        orch,
		jobs:        jobs,
		index:       index,
		checkpoints: checkpoints,
		chains:      chains,
	}
}

func fastOptions() OrchestratorOptions {
	opts := DefaultOrchestratorOptions()
	opts.PageSize = 10
	opts.BatchSize = 4
	opts.PageDelay = time.Millisecond
	return opts
}

func TestOrchestratorFullScanCompletes(t *testing.T) {
	src := &fakeSource{files: sourceFiles(25)}
	f := newOrchestratorFixture(t, src, fastOptions())

	job := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(job))

	require.NoError(t, f.orch.Run(context.Background(), job))

	done, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, done.Status)
	require.NotNil(t, done.Results)
	assert.Equal(t, int64(25), done.Results.FilesScanned)
	assert.Equal(t, int64(2500), done.Results.BytesScanned)
	assert.Equal(t, 3, done.Results.PagesProcessed)
	assert.Equal(t, 25, done.Results.IndexDelta.Created)

	live, err := f.index.CountLive("owner1")
	require.NoError(t, err)
	assert.Equal(t, 25, live)

	cp, err := f.checkpoints.Get("owner1", job.ID)
	require.NoError(t, err)
	assert.Nil(t, cp, "completed scan leaves no checkpoint")
}

func TestOrchestratorChainsWhenFileBudgetExceeded(t *testing.T) {
	src := &fakeSource{files: sourceFiles(25)}
	opts := fastOptions()
	opts.Chain.FileBudget = 10
	f := newOrchestratorFixture(t, src, opts)

	job := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(job))

	require.NoError(t, f.orch.Run(context.Background(), job))

	parent, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusChained, parent.Status)

	// The successor is pending with the hand-off checkpoint under its key.
	link, err := f.chains.GetSuccessor(job.ID)
	require.NoError(t, err)
	require.NotNil(t, link)

	successor, err := f.jobs.GetJob(link.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, successor.Status)

	cp, err := f.checkpoints.Get("owner1", successor.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "10", cp.ContinuationToken)
	assert.Zero(t, cp.FilesProcessed, "successor counts its own execution from zero")
	assert.Equal(t, job.ID, cp.ScanID, "scan marker stays the root job across the chain")
}

func TestOrchestratorChainRunsToCompletion(t *testing.T) {
	src := &fakeSource{files: sourceFiles(25)}
	opts := fastOptions()
	opts.Chain.FileBudget = 10
	f := newOrchestratorFixture(t, src, opts)

	job := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(job))
	rootID := job.ID

	// Drive the chain the way the dispatcher would: run each pending
	// successor until no more hand-offs happen.
	for hops := 0; hops < 5; hops++ {
		require.NoError(t, f.orch.Run(context.Background(), job))
		if job.Status != JobStatusChained {
			break
		}
		link, err := f.chains.GetSuccessor(job.ID)
		require.NoError(t, err)
		require.NotNil(t, link)
		job, err = f.jobs.GetJob(link.JobID)
		require.NoError(t, err)
	}

	assert.Equal(t, JobStatusCompleted, job.Status)

	live, err := f.index.CountLive("owner1")
	require.NoError(t, err)
	assert.Equal(t, 25, live, "no file lost or duplicated across hand-offs")

	manager := NewJobChainManager(f.jobs, f.chains, f.checkpoints, DefaultChainPolicy(), testLogger())
	agg, err := manager.AggregateChainResults(rootID)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Links)
	assert.Equal(t, int64(25), agg.FilesProcessed)
	assert.Equal(t, JobStatusCompleted, agg.Status)
}

func TestOrchestratorResumesFromCheckpoint(t *testing.T) {
	src := &fakeSource{files: sourceFiles(25)}
	f := newOrchestratorFixture(t, src, fastOptions())

	job := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(job))

	// Simulate a prior execution that processed the first page.
	now := time.Now()
	require.NoError(t, f.checkpoints.Save(&Checkpoint{
		JobID:             job.ID,
		OwnerID:           "owner1",
		ScanID:            job.ID,
		ScanType:          ScanTypeFull,
		ContinuationToken: "10",
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(CheckpointTTL),
	}))

	require.NoError(t, f.orch.Run(context.Background(), job))

	done, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, done.Status)
	assert.Equal(t, int64(15), done.Results.FilesScanned, "resume picks up after the token")

	live, err := f.index.CountLive("owner1")
	require.NoError(t, err)
	assert.Equal(t, 15, live, "only the resumed tail was enumerated this run")
}

func TestOrchestratorCheckpointCadenceIsolatedPerJob(t *testing.T) {
	opts := fastOptions()
	opts.CheckpointInterval = 50
	opts.CheckpointCadence = time.Hour

	src := &fakeSource{files: sourceFiles(30)}
	f := newOrchestratorFixture(t, src, opts)

	// Neither 30-file job reaches the 50-file interval on its own; a
	// carried-over count from the first job would trip it for the second.
	var jobBID string
	src.hook = func(int) {
		if jobBID == "" {
			return
		}
		cp, err := f.checkpoints.Get("owner1", jobBID)
		require.NoError(t, err)
		assert.Nil(t, cp, "another job's files must not trip this job's interval")
	}

	jobA := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(jobA))
	require.NoError(t, f.orch.Run(context.Background(), jobA))

	jobB := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(jobB))
	jobBID = jobB.ID
	require.NoError(t, f.orch.Run(context.Background(), jobB))

	done, err := f.jobs.GetJob(jobB.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, done.Status)
}

func TestOrchestratorCheckpointsMidPage(t *testing.T) {
	opts := fastOptions()
	opts.BatchSize = 2
	opts.CheckpointInterval = 4
	opts.CheckpointCadence = time.Hour

	src := &fakeSource{files: sourceFiles(14)}
	f := newOrchestratorFixture(t, src, opts)

	job := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(job))

	// The cadence is consulted after every sub-batch, so the first page
	// checkpoints at file 8, not at the page boundary. The saved token is
	// still the page's start; a resume replays the page idempotently.
	var observed *Checkpoint
	src.hook = func(call int) {
		if call != 2 {
			return
		}
		cp, err := f.checkpoints.Get("owner1", job.ID)
		require.NoError(t, err)
		observed = cp
	}

	require.NoError(t, f.orch.Run(context.Background(), job))

	require.NotNil(t, observed)
	assert.Equal(t, int64(8), observed.FilesProcessed)
	assert.Equal(t, "", observed.ContinuationToken)
}

func TestOrchestratorTransientSourceFailure(t *testing.T) {
	src := &fakeSource{
		files:  sourceFiles(25),
		failOn: map[int]error{2: errors.New("remote listing returned 503")},
	}
	f := newOrchestratorFixture(t, src, fastOptions())

	job := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(job))

	err := f.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransientSource))

	failed, getErr := f.jobs.GetJob(job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, JobStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "503")

	// A recovery checkpoint preserves the first page's position.
	cp, cpErr := f.checkpoints.Get("owner1", job.ID)
	require.NoError(t, cpErr)
	require.NotNil(t, cp)
	assert.Equal(t, "10", cp.ContinuationToken)
	assert.Equal(t, int64(10), cp.FilesProcessed)
	require.Len(t, cp.Metadata.Errors, 1)
	assert.Contains(t, cp.Metadata.Errors[0], "503")
}

func TestOrchestratorContextCancellation(t *testing.T) {
	src := &fakeSource{files: sourceFiles(25)}
	f := newOrchestratorFixture(t, src, fastOptions())

	job := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(job))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.orch.Run(ctx, job))

	stored, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, stored.Status)

	// The checkpoint survives so a re-enqueued job resumes.
	cp, err := f.checkpoints.Get("owner1", job.ID)
	require.NoError(t, err)
	assert.NotNil(t, cp)
}

func TestOrchestratorDeltaScanSkipsDeletionSweep(t *testing.T) {
	src := &fakeSource{files: sourceFiles(5)}
	f := newOrchestratorFixture(t, src, fastOptions())

	// A file the delta scan will not observe.
	stale := testEntry("owner1", "f_old", "forgotten.txt")
	stale.LastScanID = "scan_ancient"
	require.NoError(t, f.index.Upsert(stale))

	job := NewJob("owner1", ScanTypeDelta, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(job))
	require.NoError(t, f.orch.Run(context.Background(), job))

	entry, err := f.index.Get("owner1", "f_old")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.IsDeleted, "delta scans must not infer deletions")
}

func TestOrchestratorFullScanSweepsUnseen(t *testing.T) {
	src := &fakeSource{files: sourceFiles(5)}
	f := newOrchestratorFixture(t, src, fastOptions())

	stale := testEntry("owner1", "f_old", "forgotten.txt")
	stale.LastScanID = "scan_ancient"
	require.NoError(t, f.index.Upsert(stale))

	job := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(job))
	require.NoError(t, f.orch.Run(context.Background(), job))

	entry, err := f.index.Get("owner1", "f_old")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.IsDeleted)

	done, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Results.IndexDelta.Deleted)
}

func TestOrchestratorReportsDuplicates(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	files := []FileRecord{
		{ID: "f1", Name: "budget.xlsx", MimeType: "application/vnd.ms-excel", Size: 4096, ModifiedTime: now, ContentHash: "same"},
		{ID: "f2", Name: "budget (copy).xlsx", MimeType: "application/vnd.ms-excel", Size: 4096, ModifiedTime: now, ContentHash: "same"},
		{ID: "f3", Name: "unique.txt", MimeType: "text/plain", Size: 10, ModifiedTime: now, ContentHash: "other"},
	}
	src := &fakeSource{files: files}
	f := newOrchestratorFixture(t, src, fastOptions())

	job := NewJob("owner1", ScanTypeFull, JobConfig{})
	require.NoError(t, f.jobs.CreateJob(job))
	require.NoError(t, f.orch.Run(context.Background(), job))

	done, err := f.jobs.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, done.Results)
	require.Len(t, done.Results.DuplicateGroups, 1)
	assert.Equal(t, int64(4096), done.Results.SpaceWasted)
}
