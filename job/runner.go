package job

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-works/inkwell/errors"
)

// LocksFactory yields a lock service bound to its own database handle,
// plus a release function for that handle. The runner calls it once per
// job so the execution context never shares a handle with the request
// that triggered it.
type LocksFactory func() (*Locks, func(), error)

// SharedLocksFactory adapts a single long-lived lock service to the
// factory interface. database/sql handles are pooled and safe for
// concurrent use, so a single-process deployment can share one.
func SharedLocksFactory(locks *Locks) LocksFactory {
	return func() (*Locks, func(), error) {
		return locks, func() {}, nil
	}
}

// WorkFunc is the job body: it iterates work items and reports progress
// through the supplied lock service. Any error or panic that escapes it
// fails the whole job.
type WorkFunc func(ctx context.Context, locks *Locks, j *Job) error

// Runner executes work functions in isolated goroutines, owning the
// start/fail lifecycle boundary around arbitrary work. Exactly one
// execution context exists per job: the lock service's mutual-exclusion
// invariant guarantees no second runner can hold the same resource.
//
// There is no cancellation API beyond the runner's context; stopping a
// job means ending its execution context, after which the stale detector
// reclaims it once the heartbeat threshold elapses.
type Runner struct {
	factory LocksFactory
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner whose execution contexts derive from the
// given parent context (the server's root context, not a request context).
func NewRunner(parent context.Context, factory LocksFactory, logger *zap.SugaredLogger) *Runner {
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		factory: factory,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Launch starts the work function for an already-acquired pending job in
// its own goroutine and returns immediately. The goroutine transitions the
// job to running, invokes fn, and releases the job with the outcome; any
// panic or error escaping fn is converted into a failed release.
func (r *Runner) Launch(jobID string, fn WorkFunc) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(jobID, fn)
	}()
}

// execute is the isolated execution context for one job
func (r *Runner) execute(jobID string, fn WorkFunc) {
	locks, release, err := r.factory()
	if err != nil {
		r.logger.Errorw("Failed to obtain job store handle, job stays pending",
			"job_id", jobID,
			"error", err,
		)
		return
	}
	defer release()

	j, err := locks.GetJob(r.ctx, jobID)
	if err != nil {
		r.logger.Errorw("Failed to load job for execution",
			"job_id", jobID,
			"error", err,
		)
		return
	}

	if err := locks.Start(r.ctx, jobID); err != nil {
		r.logger.Errorw("Failed to start job",
			"job_id", jobID,
			"error", err,
		)
		return
	}

	// Catch-all boundary: whatever escapes fn - error or panic - becomes a
	// best-effort failed release. Release itself retries once and falls
	// back to the stale detector, so this path never loses the job.
	var workErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				workErr = errors.Newf("panic in job work function: %v", rec)
			}
		}()
		workErr = fn(r.ctx, locks, j)
	}()

	if workErr != nil {
		r.logger.Errorw("Job work function failed",
			"job_id", jobID,
			"resource_id", j.ResourceID,
			"error", workErr,
		)
		if relErr := locks.Release(r.ctx, jobID, StatusFailed, workErr.Error()); relErr != nil {
			r.logger.Errorw("Failed to release failed job",
				"job_id", jobID,
				"error", relErr,
			)
		}
		return
	}

	if relErr := locks.Release(r.ctx, jobID, StatusCompleted, ""); relErr != nil {
		r.logger.Errorw("Failed to release completed job",
			"job_id", jobID,
			"error", relErr,
		)
		return
	}

	r.logger.Infow("Job completed",
		"job_id", jobID,
		"resource_id", j.ResourceID,
	)
}

// Stop cancels all execution contexts and waits up to timeout for them to
// exit. Jobs interrupted here are reclaimed by the stale detector later.
func (r *Runner) Stop(timeout time.Duration) {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infow("Runner stopped, all jobs exited")
	case <-time.After(timeout):
		r.logger.Warnw("Runner stop timed out, jobs left for stale reclaim",
			"timeout", timeout,
		)
	}
}

// Wait blocks until all launched jobs have finished (tests)
func (r *Runner) Wait() {
	r.wg.Wait()
}
