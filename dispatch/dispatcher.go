// Package dispatch runs the scan worker pool: workers poll the job store
// for pending scan jobs, drive each one through the orchestrator, and
// recover jobs orphaned by an ungraceful shutdown.
package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skymirror/drivescan/errors"
	"github.com/skymirror/drivescan/scan"
)

// MaxOrphanedJobsToRecover bounds startup recovery so a crash with a
// deep backlog does not flood the pool.
const MaxOrphanedJobsToRecover = 1000

// JobRunner executes one claimed scan job to a terminal state
type JobRunner interface {
	Run(ctx context.Context, job *scan.Job) error
}

// Config contains worker pool configuration
type Config struct {
	Workers         int           `json:"workers"`
	PollInterval    time.Duration `json:"poll_interval"`
	StopTimeout     time.Duration `json:"stop_timeout"`
	MetricsInterval time.Duration `json:"metrics_interval"`
}

// DefaultConfig returns sensible worker pool defaults
func DefaultConfig() Config {
	return Config{
		Workers:         1,
		PollInterval:    5 * time.Second,
		StopTimeout:     30 * time.Second,
		MetricsInterval: time.Minute,
	}
}

// Dispatcher manages a pool of workers processing scan jobs
type Dispatcher struct {
	jobs      *scan.JobStore
	runner    JobRunner
	cfg       Config
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger

	mu            sync.Mutex
	activeWorkers int
}

// NewDispatcher creates a dispatcher over the job store and runner
func NewDispatcher(ctx context.Context, jobs *scan.JobStore, runner JobRunner, cfg Config, logger *zap.SugaredLogger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = time.Minute
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		jobs:      jobs,
		runner:    runner,
		cfg:       cfg,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		logger:    logger.Named("dispatch"),
	}
}

// Start recovers orphaned jobs and spawns the worker goroutines
func (d *Dispatcher) Start() {
	d.mu.Lock()
	select {
	case <-d.ctx.Done():
		// Restart after a previous Stop: derive a fresh worker context.
		d.ctx, d.cancel = context.WithCancel(d.parentCtx)
		d.logger.Debugw("Recreated worker context after previous shutdown")
	default:
	}
	d.mu.Unlock()

	if err := d.recoverOrphanedJobs(); err != nil {
		d.logger.Warnw("Failed to recover orphaned jobs", "error", err)
	}

	if warning := d.checkMemoryPressure(); warning != "" {
		d.logger.Warnw("Memory pressure warning", "warning", warning, "workers", d.cfg.Workers)
	}

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.wg.Add(1)
	go d.reportMetrics()

	d.logger.Infow("Dispatcher started",
		"workers", d.cfg.Workers,
		"poll_interval", d.cfg.PollInterval)
}

// reportMetrics logs a resource and queue snapshot on a fixed interval
// while the dispatcher runs.
func (d *Dispatcher) reportMetrics() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			m := d.GetSystemMetrics()
			d.logger.Infow("System metrics",
				"workers_active", m.WorkersActive,
				"workers_total", m.WorkersTotal,
				"memory_used_gb", m.MemoryUsedGB,
				"memory_percent", m.MemoryPercent,
				"jobs_pending", m.JobsPending,
				"jobs_running", m.JobsRunning)
		}
	}
}

// Stop cancels the workers and waits for in-flight jobs to checkpoint
// and exit, up to the configured timeout.
func (d *Dispatcher) Stop() {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Infow("Dispatcher stopped, all workers exited cleanly")
	case <-time.After(d.cfg.StopTimeout):
		d.logger.Warnw("Dispatcher stop timeout, workers may still be checkpointing",
			"timeout", d.cfg.StopTimeout)
	}
}

// recoverOrphanedJobs re-queues jobs stuck in "running" after a crash.
// Their checkpoints survive, so a recovered job resumes where it stopped
// instead of restarting the enumeration.
func (d *Dispatcher) recoverOrphanedJobs() error {
	orphaned, err := d.jobs.ListRunningJobs(MaxOrphanedJobsToRecover)
	if err != nil {
		return errors.Wrap(err, "failed to list running jobs")
	}
	if len(orphaned) == 0 {
		return nil
	}

	d.logger.Infow("Found orphaned jobs from previous shutdown", "count", len(orphaned))

	recovered := 0
	for _, job := range orphaned {
		job.Status = scan.JobStatusPending
		job.Error = ""
		job.UpdatedAt = time.Now()
		if err := d.jobs.UpdateJob(job); err != nil {
			d.logger.Warnw("Failed to re-queue orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}

	d.logger.Infow("Orphaned job recovery complete",
		"recovered", recovered, "total", len(orphaned))
	return nil
}

// worker polls for pending jobs until the context is cancelled
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.processNextJob(); err != nil {
				select {
				case <-d.ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					// Database closed during shutdown.
					return
				}

				errorCount++
				d.logger.Errorw("Worker error processing job",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					d.logger.Warnw("Worker backing off after consecutive errors",
						"worker_id", id, "backoff", backoff)
					time.Sleep(backoff)
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
			} else {
				if errorCount > 0 {
					d.logger.Infow("Worker recovered from errors",
						"worker_id", id, "previous_error_count", errorCount)
				}
				errorCount = 0
				backoff = time.Second
			}
		}
	}
}

// processNextJob claims and runs one pending job. A nil return with no
// claim just means the queue was empty this poll.
func (d *Dispatcher) processNextJob() error {
	select {
	case <-d.ctx.Done():
		return nil
	default:
	}

	job, err := d.jobs.ClaimNextPending()
	if err != nil {
		return errors.Wrap(err, "failed to claim pending job")
	}
	if job == nil {
		return nil
	}

	d.mu.Lock()
	d.activeWorkers++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.activeWorkers--
		d.mu.Unlock()
	}()

	d.logger.Infow("Worker picked up scan job",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"scan_type", job.Type)

	if err := d.runner.Run(d.ctx, job); err != nil {
		select {
		case <-d.ctx.Done():
			// Shutdown mid-job: the orchestrator already checkpointed.
			// Re-queue so the next start resumes it.
			job.Status = scan.JobStatusPending
			job.Error = ""
			if updateErr := d.jobs.UpdateJob(job); updateErr != nil {
				d.logger.Errorw("Failed to re-queue job interrupted by shutdown",
					"job_id", job.ID, "error", updateErr)
			}
			return nil
		default:
		}
		// The orchestrator persists the failure on the job; worker-level
		// logging is enough here.
		d.logger.Warnw("Scan job failed",
			"job_id", job.ID, "error", err)
		return nil
	}

	return nil
}

// ActiveWorkers returns the number of workers currently executing jobs
func (d *Dispatcher) ActiveWorkers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeWorkers
}

// Workers returns the configured worker count
func (d *Dispatcher) Workers() int {
	return d.cfg.Workers
}
