package scan

import (
	"github.com/skymirror/drivescan/errors"
)

// Error taxonomy for the scan pipeline. Only terminal outcomes surface
// through Job.status and Job.error; everything else stays internal.
var (
	// ErrTransientSource indicates a remote listing API failure. The job
	// fails with a recovery checkpoint so a fresh invocation resumes from
	// the last committed state. No in-process retry.
	ErrTransientSource = errors.New("transient source error")

	// ErrStoreWrite indicates a durable-store write failure. Checkpoint
	// writes are non-fatal; index and job-status writes abort the job.
	ErrStoreWrite = errors.New("store write failed")

	// ErrChainLimitExceeded indicates the chain reached its configured
	// maximum length. Non-retryable: retrying would only livelock on a
	// pathologically large hierarchy.
	ErrChainLimitExceeded = errors.New("chain limit exceeded")

	// ErrCheckpointInvalid indicates a malformed or expired checkpoint on
	// resume. The checkpoint is discarded and the job restarts from
	// scratch; logged as a warning, not a failure.
	ErrCheckpointInvalid = errors.New("invalid checkpoint")
)

// IsChainExhausted reports whether err is the non-retryable chain-limit
// condition, which callers must distinguish from ordinary failures.
func IsChainExhausted(err error) bool {
	return err != nil && errors.Is(err, ErrChainLimitExceeded)
}
