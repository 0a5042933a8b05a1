package job

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/inkwell-works/inkwell/artifact"
	"github.com/inkwell-works/inkwell/errors"
)

// ResumeCoordinator turns a failed job into a continuation plan: the page
// range still owed, plus a one-time reconciliation of the batch-flushed
// manifest against the authoritative job record and the artifact store.
// The failed job record itself is never mutated or reused; resuming always
// creates a new job scoped to the remaining range.
type ResumeCoordinator struct {
	locks     *Locks
	artifacts artifact.Store
	logger    *zap.SugaredLogger
}

// NewResumeCoordinator creates a resume coordinator
func NewResumeCoordinator(locks *Locks, artifacts artifact.Store, logger *zap.SugaredLogger) *ResumeCoordinator {
	return &ResumeCoordinator{
		locks:     locks,
		artifacts: artifacts,
		logger:    logger,
	}
}

// ResumePlan describes the continuation of a failed job
type ResumePlan struct {
	// Failed is the terminal job being resumed (read-only input)
	Failed *Job
	// From..To is the absolute page range the new job must cover
	From int
	To   int
}

// Remaining returns the number of pages the new job covers
func (p *ResumePlan) Remaining() int {
	if p.To < p.From {
		return 0
	}
	return p.To - p.From + 1
}

// Plan computes the continuation range for a resource's latest job of the
// given type. The read goes through GetLatest, so a crashed job that has
// aged past the heartbeat threshold is reclaimed to failed right here.
// Returns ErrInvalidRequest if the latest job is not failed, or if the
// failed job has nothing left to do.
func (c *ResumeCoordinator) Plan(ctx context.Context, resourceID string, jobType *Type) (*ResumePlan, error) {
	failed, err := c.locks.GetLatest(ctx, resourceID, jobType)
	if err != nil {
		return nil, err
	}

	if failed.Status != StatusFailed {
		return nil, errors.Wrapf(errors.ErrInvalidRequest,
			"cannot resume job %s: status is %s, want %s", failed.ID, failed.Status, StatusFailed)
	}

	// The resumption boundary is the page immediately after the anchor.
	// Jobs created by a previous resume carry their absolute range in the
	// progress detail; first-run jobs implicitly cover 1..total_items.
	from := failed.LastCompletedItem + 1
	rangeFrom := failed.Detail.RangeFrom()
	if rangeFrom > from {
		from = rangeFrom
	}

	to := failed.Detail.RangeTo()
	if to == 0 {
		to = failed.TotalItems
	}
	if to < from {
		return nil, errors.Wrapf(errors.ErrInvalidRequest,
			"job %s has no remaining items to resume (last completed: %d of %d)",
			failed.ID, failed.LastCompletedItem, to)
	}

	return &ResumePlan{Failed: failed, From: from, To: to}, nil
}

// Acquire creates the new job covering the plan's remaining range. The
// absolute range is recorded in the job's progress detail so a later
// resume of the resumed job still addresses pages correctly.
func (c *ResumeCoordinator) Acquire(ctx context.Context, plan *ResumePlan) (*Job, error) {
	detail := &Detail{}
	detail.SetStat("range_from", plan.From)
	detail.SetStat("range_to", plan.To)
	detail.SetStat("resumed_from_job", plan.Failed.ID)

	return c.locks.Acquire(ctx, AcquireRequest{
		ResourceID: plan.Failed.ResourceID,
		Type:       plan.Failed.Type,
		TotalItems: plan.Remaining(),
		Detail:     detail,
	})
}

// Reconcile repairs the manifest against the authoritative job record and
// the artifact store. It runs exactly once, at the start of the resumed
// execution, before the first new page is attempted:
//
//   - pages recorded as failed in the failed job's progress detail are
//     marked failed in the manifest;
//   - pages at or before the resumption anchor are marked complete only if
//     their artifact actually exists - a crash could have interrupted the
//     artifact write itself, so the job record's claim is corroborated and
//     downgraded to failed otherwise;
//   - pages left in flight at crash time are reset to pending;
//   - pages beyond the anchor are left untouched.
func (c *ResumeCoordinator) Reconcile(ctx context.Context, plan *ResumePlan) error {
	failed := plan.Failed
	manifest, err := c.artifacts.ReadManifest(ctx, failed.ResourceID)
	if err != nil {
		return errors.Wrapf(err, "failed to load manifest for reconciliation of %s", failed.ResourceID)
	}

	anchor := failed.LastCompletedItem
	rangeFrom := failed.Detail.RangeFrom()
	if rangeFrom == 0 {
		rangeFrom = 1
	}

	detailFailed := make(map[int]ItemError)
	if failed.Detail != nil {
		detailFailed = failed.Detail.ItemErrors
	}

	// Per-page failures recorded in the job record override the manifest
	for page, itemErr := range detailFailed {
		manifest.Set(page, artifact.PageEntry{
			State: artifact.PageStateFailed,
			Error: itemErr.Error,
		})
	}

	// The job record's completion claims up to the anchor are verified
	// against the artifact store
	verified, downgraded := 0, 0
	for page := rangeFrom; page <= anchor; page++ {
		if _, isFailed := detailFailed[page]; isFailed {
			continue
		}
		exists, err := c.artifacts.PageExists(ctx, failed.ResourceID, page)
		if err != nil {
			return errors.Wrapf(err, "failed to verify artifact for page %d of %s", page, failed.ResourceID)
		}
		if exists {
			manifest.Set(page, artifact.PageEntry{State: artifact.PageStateComplete})
			verified++
		} else {
			manifest.Set(page, artifact.PageEntry{
				State: artifact.PageStateFailed,
				Error: fmt.Sprintf("artifact missing for page %d; write presumed interrupted by crash", page),
			})
			downgraded++
		}
	}

	// Pages caught mid-flight by the crash go back to pending; pages
	// beyond the anchor stay as they are
	reset := 0
	for key, entry := range manifest.Pages {
		page, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if page > anchor && entry.State == artifact.PageStateInFlight {
			manifest.Set(page, artifact.PageEntry{State: artifact.PageStatePending})
			reset++
		}
	}

	if err := c.artifacts.WriteManifest(ctx, failed.ResourceID, manifest); err != nil {
		return errors.Wrapf(err, "failed to write reconciled manifest for %s", failed.ResourceID)
	}

	c.logger.Infow("Manifest reconciled before resume",
		"resource_id", failed.ResourceID,
		"failed_job_id", failed.ID,
		"anchor", anchor,
		"verified_complete", verified,
		"downgraded_to_failed", downgraded,
		"reset_to_pending", reset,
	)
	return nil
}
