package scan

import (
	"time"

	"go.uber.org/zap"

	"github.com/skymirror/drivescan/errors"
)

// Chain policy defaults. The time budget is chosen with a safety margin
// under the hosting platform's hard execution limit; the safety buffer is
// additionally reserved when estimating whether another batch fits.
const (
	DefaultChainTimeBudget   = 8 * time.Minute
	DefaultChainFileBudget   = 50000
	DefaultMaxChainLength    = 20
	DefaultChainSafetyBuffer = 30 * time.Second
)

// ChainPolicy holds the tunable chaining thresholds.
type ChainPolicy struct {
	TimeBudget   time.Duration
	FileBudget   int64
	MaxLength    int
	SafetyBuffer time.Duration
}

// DefaultChainPolicy returns the standard chaining thresholds.
func DefaultChainPolicy() ChainPolicy {
	return ChainPolicy{
		TimeBudget:   DefaultChainTimeBudget,
		FileBudget:   DefaultChainFileBudget,
		MaxLength:    DefaultMaxChainLength,
		SafetyBuffer: DefaultChainSafetyBuffer,
	}
}

// ChainResults is the aggregate of a whole chain's work.
type ChainResults struct {
	RootJobID      string    `json:"root_job_id"`
	Links          int       `json:"links"`
	FilesProcessed int64     `json:"files_processed"`
	BytesProcessed int64     `json:"bytes_processed"`
	PagesProcessed int       `json:"pages_processed"`
	Status         JobStatus `json:"status"` // failed if any link failed, running if any non-terminal, else completed
}

// ChainLink pairs a lineage record with its job row for inspection.
type ChainLink struct {
	Chain *ChainedJob
	Job   *Job
}

// JobChainManager decides when an execution must hand off to a successor
// and owns chain lineage. Its clock is the sole authority for hand-off
// timing within an execution.
type JobChainManager struct {
	jobs        *JobStore
	chains      *ChainStore
	checkpoints *CheckpointStore
	policy      ChainPolicy
	logger      *zap.SugaredLogger

	executionStart time.Time
	filesThisRun   int64
	timeNow        func() time.Time // Injectable for testing
}

// NewJobChainManager creates a chain manager for one job execution.
// The execution clock starts immediately.
func NewJobChainManager(jobs *JobStore, chains *ChainStore, checkpoints *CheckpointStore, policy ChainPolicy, logger *zap.SugaredLogger) *JobChainManager {
	return NewJobChainManagerWithClock(jobs, chains, checkpoints, policy, logger, time.Now)
}

// NewJobChainManagerWithClock creates a chain manager with an injectable clock (for testing)
func NewJobChainManagerWithClock(jobs *JobStore, chains *ChainStore, checkpoints *CheckpointStore, policy ChainPolicy, logger *zap.SugaredLogger, timeNow func() time.Time) *JobChainManager {
	return &JobChainManager{
		jobs:           jobs,
		chains:         chains,
		checkpoints:    checkpoints,
		policy:         policy,
		logger:         logger,
		executionStart: timeNow(),
		timeNow:        timeNow,
	}
}

// Elapsed returns wall-clock time since this execution started.
func (m *JobChainManager) Elapsed() time.Duration {
	return m.timeNow().Sub(m.executionStart)
}

// ShouldChainJob accumulates files processed this execution and reports
// whether the job must hand off: elapsed >= the time budget OR cumulative
// files >= the file budget.
func (m *JobChainManager) ShouldChainJob(filesThisBatch int64) bool {
	m.filesThisRun += filesThisBatch
	return m.Elapsed() >= m.policy.TimeBudget || m.filesThisRun >= m.policy.FileBudget
}

// HasTimeForMoreFiles estimates whether another batch can complete within
// the remaining budget minus the safety buffer. Deciding before the fetch
// beats discovering mid-batch that time ran out.
func (m *JobChainManager) HasTimeForMoreFiles(avgPerFile time.Duration, batchSize int) bool {
	remaining := m.policy.TimeBudget - m.Elapsed() - m.policy.SafetyBuffer
	if remaining <= 0 {
		return false
	}
	return avgPerFile*time.Duration(batchSize) <= remaining
}

// CreateChainedJob creates the successor for a job that must hand off.
// The successor's chainIndex is parent.chainIndex + 1 (0 when the parent
// is unchained makes the parent the implicit root at index 0). When the
// next index would exceed the maximum chain length, nothing is persisted
// and ErrChainLimitExceeded is returned.
//
// Ordering matters for the lineage race (two links of one chain running
// concurrently): the caller must durably mark the parent chained BEFORE
// invoking this, so the successor can only be claimed after the parent
// stopped consuming the continuation token. The parent's checkpoint is
// re-keyed to the successor and the parent's own record removed.
func (m *JobChainManager) CreateChainedJob(parent *Job, cp *Checkpoint) (*Job, error) {
	parentLink, err := m.chains.Get(parent.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up parent chain record")
	}

	nextIndex := 1
	if parentLink != nil {
		nextIndex = parentLink.ChainIndex + 1
	}

	if nextIndex > m.policy.MaxLength {
		return nil, errors.Mark(
			errors.Newf("chain for job %s reached maximum length %d", parent.ID, m.policy.MaxLength),
			ErrChainLimitExceeded)
	}

	successor := NewJob(parent.OwnerID, parent.Type, parent.Config)

	// Root link record for a previously unchained parent, so lineage walks
	// always start at index 0.
	if parentLink == nil {
		rootLink := &ChainedJob{
			JobID:      parent.ID,
			ChainIndex: 0,
			OwnerID:    parent.OwnerID,
			CreatedAt:  m.timeNow(),
		}
		if err := m.chains.Create(rootLink); err != nil {
			return nil, errors.Wrap(err, "failed to create root chain record")
		}
	}

	link := &ChainedJob{
		JobID:       successor.ID,
		ParentJobID: parent.ID,
		ChainIndex:  nextIndex,
		OwnerID:     parent.OwnerID,
		CreatedAt:   m.timeNow(),
	}
	if err := m.chains.Create(link); err != nil {
		return nil, errors.Wrap(err, "failed to create chain record")
	}

	// Hand the resumable position to the successor under its own key.
	// Counters are per-execution (chain aggregation sums them), so the
	// successor starts its own from zero; only the position and the error
	// history survive the hop.
	handoff := *cp
	handoff.JobID = successor.ID
	handoff.FilesProcessed = 0
	handoff.BytesProcessed = 0
	handoff.Metadata.PagesProcessed = 0
	handoff.Metadata.IndexDelta = IndexDelta{}
	handoff.Metadata.DuplicatesFound = 0
	handoff.CreatedAt = m.timeNow()
	handoff.UpdatedAt = handoff.CreatedAt
	handoff.ExpiresAt = handoff.CreatedAt.Add(CheckpointTTL)
	if err := m.checkpoints.Save(&handoff); err != nil {
		return nil, errors.Wrap(err, "failed to hand off checkpoint to successor")
	}
	if err := m.checkpoints.Delete(parent.OwnerID, parent.ID); err != nil {
		m.logger.Warnw("Failed to remove superseded parent checkpoint",
			"parent_job_id", parent.ID, "error", err)
	}

	if err := m.jobs.CreateJob(successor); err != nil {
		return nil, errors.Wrap(err, "failed to create successor job")
	}

	m.logger.Infow("Chained scan job to successor",
		"parent_job_id", parent.ID,
		"successor_job_id", successor.ID,
		"chain_index", nextIndex,
		"files_this_run", m.filesThisRun,
		"elapsed", m.Elapsed().Round(time.Second))

	return successor, nil
}

// GetFullChain reconstructs the lineage from the root forward.
func (m *JobChainManager) GetFullChain(rootJobID string) ([]ChainLink, error) {
	var chain []ChainLink

	currentID := rootJobID
	for currentID != "" {
		link, err := m.chains.Get(currentID)
		if err != nil {
			return nil, err
		}
		job, err := m.jobs.GetJob(currentID)
		if err != nil {
			return nil, err
		}
		if link == nil {
			// Unchained root: synthesize its index-0 record for the walk.
			link = &ChainedJob{JobID: currentID, ChainIndex: 0, OwnerID: job.OwnerID, CreatedAt: job.CreatedAt}
		}
		chain = append(chain, ChainLink{Chain: link, Job: job})

		next, err := m.chains.GetSuccessor(currentID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		currentID = next.JobID
	}

	return chain, nil
}

// AggregateChainResults sums counters across the chain and derives the
// overall status: failed if any link failed, running if any link is still
// non-terminal, completed otherwise.
func (m *JobChainManager) AggregateChainResults(rootJobID string) (*ChainResults, error) {
	chain, err := m.GetFullChain(rootJobID)
	if err != nil {
		return nil, err
	}

	agg := &ChainResults{
		RootJobID: rootJobID,
		Links:     len(chain),
		Status:    JobStatusCompleted,
	}

	anyNonTerminal := false
	for _, link := range chain {
		agg.FilesProcessed += link.Job.Progress.FilesProcessed
		agg.BytesProcessed += link.Job.Progress.BytesProcessed
		if link.Job.Results != nil {
			agg.PagesProcessed += link.Job.Results.PagesProcessed
		}

		switch {
		case link.Job.Status == JobStatusFailed:
			agg.Status = JobStatusFailed
		case !link.Job.Status.IsTerminal():
			anyNonTerminal = true
		}
	}

	if agg.Status != JobStatusFailed && anyNonTerminal {
		agg.Status = JobStatusRunning
	}

	return agg, nil
}

// CleanupOldChains removes terminal lineage records past retention.
func (m *JobChainManager) CleanupOldChains(retention time.Duration, limit int) (int, error) {
	return m.chains.CleanupOldChains(retention, limit)
}
