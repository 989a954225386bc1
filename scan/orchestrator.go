package scan

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skymirror/drivescan/errors"
)

// Orchestrator loop defaults
const (
	DefaultPageSize  = 1000
	DefaultBatchSize = 100
	DefaultPageDelay = 200 * time.Millisecond
)

// OrchestratorOptions tunes one orchestrator's page loop and chaining
type OrchestratorOptions struct {
	PageSize           int
	BatchSize          int
	PageDelay          time.Duration
	Chain              ChainPolicy
	CheckpointInterval int64
	CheckpointCadence  time.Duration
	CheckpointTTL      time.Duration
}

// DefaultOrchestratorOptions returns the stock loop settings
func DefaultOrchestratorOptions() OrchestratorOptions {
	return OrchestratorOptions{
		PageSize:           DefaultPageSize,
		BatchSize:          DefaultBatchSize,
		PageDelay:          DefaultPageDelay,
		Chain:              DefaultChainPolicy(),
		CheckpointInterval: DefaultCheckpointFileInterval,
		CheckpointCadence:  DefaultCheckpointTimeInterval,
		CheckpointTTL:      CheckpointTTL,
	}
}

// ScanOrchestrator drives one scan job through the page loop: fetch a
// page from the source, merge it into the index in sub-batches, persist
// checkpoints on cadence, and hand off to a successor job when the
// execution budget runs out. One orchestrator serves many jobs, possibly
// concurrently; chain budget and checkpoint cadence tracking are
// per-Run.
type ScanOrchestrator struct {
	source   RemoteFileSource
	jobs     *JobStore
	chains   *ChainStore
	cpStore  *CheckpointStore
	index    *FileIndexStore
	delta    *DeltaComputer
	detector *DuplicateDetector
	opts     OrchestratorOptions
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger

	timeNow func() time.Time
}

// NewScanOrchestrator wires an orchestrator over the given source and stores
func NewScanOrchestrator(
	source RemoteFileSource,
	jobs *JobStore,
	chains *ChainStore,
	cpStore *CheckpointStore,
	index *FileIndexStore,
	detector *DuplicateDetector,
	opts OrchestratorOptions,
	logger *zap.SugaredLogger,
) *ScanOrchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PageDelay <= 0 {
		opts.PageDelay = DefaultPageDelay
	}

	return &ScanOrchestrator{
		source:   source,
		jobs:     jobs,
		chains:   chains,
		cpStore:  cpStore,
		index:    index,
		delta:    NewDeltaComputer(index, logger),
		detector: detector,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Every(opts.PageDelay), 1),
		logger:   logger,
	}
}

// Run executes one scan job to a terminal state: completed, failed,
// cancelled, or chained. A chained job's successor is left pending for
// the dispatcher to pick up; Run never recurses into it.
func (o *ScanOrchestrator) Run(ctx context.Context, job *Job) error {
	chain := o.newChainManager()
	checkpoints := o.newCheckpointManager()

	job.Start()
	if err := o.jobs.UpdateJob(job); err != nil {
		return errors.Wrap(err, "failed to mark job running")
	}

	cp, err := checkpoints.Load(job.OwnerID, job.ID)
	if err != nil {
		return o.failJob(checkpoints, job, cp, errors.Wrap(err, "failed to load checkpoint"))
	}
	if cp == nil {
		cp = o.freshCheckpoint(job)
		o.logger.Infow("Starting scan from the beginning",
			"job_id", job.ID, "owner_id", job.OwnerID, "scan_type", job.Type)
	} else {
		o.logger.Infow("Resuming scan from checkpoint",
			"job_id", job.ID,
			"owner_id", job.OwnerID,
			"scan_id", cp.ScanID,
			"continuation_token", cp.ContinuationToken != "")
	}

	filters := ListFilters{
		IncludeTrashed: job.Config.IncludeTrashed,
		RootScopeID:    job.Config.RootScopeID,
		MaxDepth:       job.Config.MaxDepth,
	}

	for {
		stopped, err := o.checkCancelled(ctx, checkpoints, job, cp)
		if stopped || err != nil {
			return err
		}

		if err := o.limiter.Wait(ctx); err != nil {
			return o.cancelJob(checkpoints, job, cp, "context cancelled while rate limited")
		}

		page, err := o.source.List(ctx, cp.ContinuationToken, o.opts.PageSize, filters)
		if err != nil {
			if ctx.Err() != nil {
				return o.cancelJob(checkpoints, job, cp, "context cancelled during page fetch")
			}
			return o.failJob(checkpoints, job, cp,
				errors.Mark(errors.Wrap(err, "source page fetch failed"), ErrTransientSource))
		}

		if err := o.processPage(checkpoints, job, cp, page.Records); err != nil {
			return o.failJob(checkpoints, job, cp, err)
		}

		cp.ContinuationToken = page.NextToken
		cp.Metadata.PagesProcessed++
		if n := len(page.Records); n > 0 {
			last := page.Records[n-1]
			cp.LastFileID = last.ID
			mt := last.ModifiedTime
			cp.LastModifiedTime = &mt
		}

		job.UpdateProgress("enumerating", cp.FilesProcessed, cp.BytesProcessed)
		if err := o.jobs.UpdateJob(job); err != nil {
			o.logger.Warnw("Failed to persist progress update",
				"job_id", job.ID, "error", err)
		}

		if page.NextToken == "" {
			break
		}

		if chain.ShouldChainJob(int64(len(page.Records))) || !o.hasTimeForNextPage(chain, cp) {
			return o.handOff(chain, checkpoints, job, cp)
		}
	}

	return o.finish(checkpoints, job, cp)
}

// newChainManager starts a fresh execution budget for one Run
func (o *ScanOrchestrator) newChainManager() *JobChainManager {
	timeNow := o.timeNow
	if timeNow == nil {
		timeNow = time.Now
	}
	return NewJobChainManagerWithClock(o.jobs, o.chains, o.cpStore, o.opts.Chain, o.logger, timeNow)
}

// newCheckpointManager starts fresh cadence accumulators for one Run.
// Sharing a manager across jobs would let one job's file count trip the
// next job's checkpoint interval.
func (o *ScanOrchestrator) newCheckpointManager() *CheckpointManager {
	cpm := NewCheckpointManager(o.cpStore, o.logger)
	cpm.SetCadence(o.opts.CheckpointInterval, o.opts.CheckpointCadence)
	cpm.SetTTL(o.opts.CheckpointTTL)
	return cpm
}

// freshCheckpoint seeds in-memory scan state for a job with no resumable
// position. The scan ID is the job's own ID; successors inherit it
// through the hand-off so the deletion sweep sees one consistent marker
// across the whole chain.
func (o *ScanOrchestrator) freshCheckpoint(job *Job) *Checkpoint {
	now := time.Now()
	return &Checkpoint{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		ScanID:    job.ID,
		ScanType:  job.Type,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(CheckpointTTL),
	}
}

// processPage merges one page into the index in sub-batches, folds the
// resulting delta events into the checkpoint counters, and checkpoints
// after any sub-batch that trips the cadence. A mid-page checkpoint still
// carries the previous page token, so a resume replays the page; the
// index merge is idempotent.
func (o *ScanOrchestrator) processPage(checkpoints *CheckpointManager, job *Job, cp *Checkpoint, records []FileRecord) error {
	for start := 0; start < len(records); start += o.opts.BatchSize {
		end := start + o.opts.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		events, err := o.delta.Apply(job.OwnerID, batch, cp.ScanID)
		if err != nil {
			return errors.Wrap(err, "failed to merge batch into index")
		}

		for _, ev := range events {
			switch ev.Type {
			case DeltaCreated:
				cp.Metadata.IndexDelta.Created++
			case DeltaModified:
				cp.Metadata.IndexDelta.Modified++
			case DeltaDeleted:
				cp.Metadata.IndexDelta.Deleted++
			}
		}

		for _, rec := range batch {
			cp.FilesProcessed++
			cp.BytesProcessed += rec.Size
		}

		if checkpoints.ShouldCheckpoint(int64(len(batch))) {
			checkpoints.Save(cp)
		}
	}
	return nil
}

// hasTimeForNextPage projects whether another full page fits in the
// remaining budget, using the observed per-file pace of this execution.
func (o *ScanOrchestrator) hasTimeForNextPage(chain *JobChainManager, cp *Checkpoint) bool {
	if cp.FilesProcessed == 0 {
		return true
	}
	avgPerFile := chain.Elapsed() / time.Duration(cp.FilesProcessed)
	return chain.HasTimeForMoreFiles(avgPerFile, o.opts.PageSize)
}

// handOff closes this execution and hands the continuation token to a
// pending successor. The parent is durably marked chained before the
// successor exists, so a crash between the two steps leaves a resumable
// parent checkpoint rather than two live consumers of one token.
func (o *ScanOrchestrator) handOff(chain *JobChainManager, checkpoints *CheckpointManager, job *Job, cp *Checkpoint) error {
	checkpoints.Save(cp)

	job.Progress.Step = "chaining"
	job.Chain()
	if err := o.jobs.UpdateJob(job); err != nil {
		return o.failJob(checkpoints, job, cp, errors.Wrap(err, "failed to mark job chained"))
	}

	successor, err := chain.CreateChainedJob(job, cp)
	if err != nil {
		if IsChainExhausted(err) {
			return o.failJob(checkpoints, job, cp, err)
		}
		return o.failJob(checkpoints, job, cp, errors.Wrap(err, "failed to create successor job"))
	}

	o.logger.Infow("Scan handed off to successor",
		"job_id", job.ID,
		"successor_job_id", successor.ID,
		"files_this_run", cp.FilesProcessed)
	return nil
}

// finish runs the end-of-enumeration phases: the deletion sweep (full
// scans only), duplicate detection, final results, and checkpoint
// removal.
func (o *ScanOrchestrator) finish(checkpoints *CheckpointManager, job *Job, cp *Checkpoint) error {
	results := &Results{
		FilesScanned:   cp.FilesProcessed,
		BytesScanned:   cp.BytesProcessed,
		PagesProcessed: cp.Metadata.PagesProcessed,
		IndexDelta:     cp.Metadata.IndexDelta,
	}

	if cp.ScanType == ScanTypeFull {
		job.UpdateProgress("deletion sweep", cp.FilesProcessed, cp.BytesProcessed)
		deleted, err := o.delta.FinishFullScan(job.OwnerID, cp.ScanID)
		if err != nil {
			return o.failJob(checkpoints, job, cp, err)
		}
		results.IndexDelta.Deleted += len(deleted)
	}

	job.UpdateProgress("duplicate detection", cp.FilesProcessed, cp.BytesProcessed)
	live, err := o.index.ListLive(job.OwnerID)
	if err != nil {
		return o.failJob(checkpoints, job, cp, errors.Wrap(err, "failed to list index for duplicate detection"))
	}
	report := o.detector.Detect(live)
	results.DuplicateGroups = report.Groups
	results.VersionChains = report.Chains
	results.SpaceWasted = report.SpaceWasted

	job.Complete(results)
	if err := o.jobs.UpdateJob(job); err != nil {
		return errors.Wrap(err, "failed to mark job completed")
	}

	if err := checkpoints.Delete(job.OwnerID, job.ID); err != nil {
		o.logger.Warnw("Failed to remove checkpoint for completed job",
			"job_id", job.ID, "error", err)
	}

	o.logger.Infow("Scan completed",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"files_scanned", results.FilesScanned,
		"pages", results.PagesProcessed,
		"created", results.IndexDelta.Created,
		"modified", results.IndexDelta.Modified,
		"deleted", results.IndexDelta.Deleted,
		"duplicates", report.Summarize())
	return nil
}

// checkCancelled honors both context cancellation and an external cancel
// written to the job store while the scan runs. A true result means the
// run should stop without treating it as a failure.
func (o *ScanOrchestrator) checkCancelled(ctx context.Context, checkpoints *CheckpointManager, job *Job, cp *Checkpoint) (bool, error) {
	if ctx.Err() != nil {
		return true, o.cancelJob(checkpoints, job, cp, "context cancelled")
	}

	stored, err := o.jobs.GetJob(job.ID)
	if err != nil {
		o.logger.Warnw("Failed to refresh job status", "job_id", job.ID, "error", err)
		return false, nil
	}
	if stored != nil && stored.Status == JobStatusCancelled {
		// Keep the checkpoint so a re-enqueued job resumes here.
		checkpoints.Save(cp)
		job.Status = JobStatusCancelled
		o.logger.Infow("Scan cancelled externally", "job_id", job.ID)
		return true, nil
	}
	return false, nil
}

// cancelJob checkpoints the position and records the cancellation. The
// checkpoint survives so a re-enqueued job resumes instead of restarting.
func (o *ScanOrchestrator) cancelJob(checkpoints *CheckpointManager, job *Job, cp *Checkpoint, reason string) error {
	checkpoints.Save(cp)
	job.Cancel(reason)
	if err := o.jobs.UpdateJob(job); err != nil {
		o.logger.Errorw("Failed to persist cancellation", "job_id", job.ID, "error", err)
	}
	return nil
}

// failJob writes a recovery checkpoint, marks the job failed, and
// returns the original error. Scan failures are job-level outcomes, not
// dispatcher crashes.
func (o *ScanOrchestrator) failJob(checkpoints *CheckpointManager, job *Job, cp *Checkpoint, scanErr error) error {
	if cp != nil {
		checkpoints.CreateRecoveryCheckpoint(scanErr, cp)
	}
	job.Fail(scanErr)
	if err := o.jobs.UpdateJob(job); err != nil {
		o.logger.Errorw("Failed to persist job failure",
			"job_id", job.ID, "error", err)
	}
	return scanErr
}
