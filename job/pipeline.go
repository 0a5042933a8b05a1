package job

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/inkwell-works/inkwell/artifact"
	"github.com/inkwell-works/inkwell/errors"
)

// Pipeline wires the engine together for the standard page pipelines:
// acquire a job, launch the page loop in the runner, and coordinate
// resume-from-failure. The trigger endpoints are thin shims over it.
type Pipeline struct {
	Locks     *Locks
	Runner    *Runner
	Artifacts artifact.Store
	Processor ItemProcessor
	// Limiter is shared across jobs; it throttles the extraction backend,
	// not any single job
	Limiter *rate.Limiter
	Retry   RetryConfig

	ManifestFlushItems    int
	ManifestFlushInterval time.Duration

	Logger *zap.SugaredLogger
}

// Trigger acquires a fresh job covering pages 1..totalItems and launches
// it. Returns the pending job immediately; the caller polls for progress.
func (p *Pipeline) Trigger(ctx context.Context, resourceID string, jobType Type, totalItems int) (*Job, error) {
	if totalItems <= 0 {
		return nil, errors.NewInvalidRequestError("totalItems must be positive, got %d", totalItems)
	}

	detail := &Detail{}
	detail.SetStat("range_from", 1)
	detail.SetStat("range_to", totalItems)

	j, err := p.Locks.Acquire(ctx, AcquireRequest{
		ResourceID: resourceID,
		Type:       jobType,
		TotalItems: totalItems,
		Detail:     detail,
	})
	if err != nil {
		return nil, err
	}

	p.Runner.Launch(j.ID, p.rangeWork(1, totalItems, nil))
	return j, nil
}

// Resume plans the continuation of the resource's latest failed job,
// acquires a new job scoped to the remaining range, and launches it. The
// resumed execution reconciles the manifest before its first page.
func (p *Pipeline) Resume(ctx context.Context, resourceID string, jobType *Type) (*Job, error) {
	coord := NewResumeCoordinator(p.Locks, p.Artifacts, p.Logger)

	plan, err := coord.Plan(ctx, resourceID, jobType)
	if err != nil {
		return nil, err
	}

	j, err := coord.Acquire(ctx, plan)
	if err != nil {
		return nil, err
	}

	p.Runner.Launch(j.ID, p.rangeWork(plan.From, plan.To, plan))
	return j, nil
}

// rangeWork builds the work function for a page range. A non-nil plan
// makes it a resumed run: reconciliation happens once, before any page.
func (p *Pipeline) rangeWork(from, to int, plan *ResumePlan) WorkFunc {
	return func(ctx context.Context, locks *Locks, j *Job) error {
		if plan != nil {
			coord := NewResumeCoordinator(locks, p.Artifacts, p.Logger)
			if err := coord.Reconcile(ctx, plan); err != nil {
				return errors.Wrap(err, "manifest reconciliation failed")
			}
		}

		manifest, err := NewManifestWriter(ctx, p.Artifacts, j.ResourceID,
			p.ManifestFlushItems, p.ManifestFlushInterval, p.Logger)
		if err != nil {
			return errors.Wrap(err, "failed to open manifest")
		}

		loop := &ItemLoop{
			Processor: p.Processor,
			Manifest:  manifest,
			Limiter:   p.Limiter,
			Retry:     p.Retry,
			Logger:    p.Logger,
		}
		return loop.Run(ctx, locks, j, from, to)
	}
}

// RetryItem synchronously reprocesses a single previously-failed page,
// outside the job machinery entirely (no acquire/release, no heartbeat).
// Intended for small one-off corrections, not bulk recovery.
func (p *Pipeline) RetryItem(ctx context.Context, resourceID string, page int) (*ItemResult, error) {
	if page <= 0 {
		return nil, errors.NewInvalidRequestError("page must be positive, got %d", page)
	}

	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limit wait cancelled")
		}
	}

	result, err := p.Processor.ProcessItem(ctx, resourceID, page)

	// Reflect the outcome in the manifest immediately; a single-item
	// correction should be visible without waiting for any batch flush
	manifest, mErr := p.Artifacts.ReadManifest(ctx, resourceID)
	if mErr == nil {
		if err != nil {
			manifest.Set(page, artifact.PageEntry{State: artifact.PageStateFailed, Error: err.Error()})
		} else {
			manifest.Set(page, artifact.PageEntry{State: artifact.PageStateComplete})
		}
		if wErr := p.Artifacts.WriteManifest(ctx, resourceID, manifest); wErr != nil {
			p.Logger.Warnw("Failed to update manifest after item retry",
				"resource_id", resourceID,
				"item", page,
				"error", wErr,
			)
		}
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to reprocess item %d of %s", page, resourceID)
	}

	p.Logger.Infow("Item reprocessed",
		"resource_id", resourceID,
		"item", page,
	)
	return result, nil
}
