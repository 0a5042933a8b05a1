package job

import (
	"context"
	"fmt"
	"time"
)

// The stale detector runs lazily inside GetLatest and Acquire: there is no
// sweeper process, so a dead job is noticed on the next status read after
// its heartbeat ages out. Reclamation uses the same atomic precondition
// re-check as Start, so a job simultaneously being started by its own
// execution context cannot be incorrectly reclaimed (and vice versa).

// reclaimIfStale reclaims the job if it is running with an expired
// heartbeat. Returns true if this call performed the reclaim.
func (l *Locks) reclaimIfStale(ctx context.Context, j *Job) bool {
	now := time.Now()
	if !j.Stale(l.staleThreshold, now) {
		return false
	}

	msg := staleReclaimMessage(j, l.staleThreshold)
	reclaimed, err := l.store.reclaimStale(ctx, j, msg, now)
	if err != nil {
		l.logger.Warnw("Stale reclaim failed",
			"job_id", j.ID,
			"error", err,
		)
		return false
	}
	if !reclaimed {
		// The job heartbeated or terminated between detection and write;
		// losing this race is the correct outcome.
		l.logger.Debugw("Stale reclaim lost race, job still alive",
			"job_id", j.ID,
		)
		return false
	}

	l.logger.Warnw("Reclaimed stale job",
		"job_id", j.ID,
		"resource_id", j.ResourceID,
		"last_completed_item", j.LastCompletedItem,
		"threshold", l.staleThreshold,
	)
	l.notifyJobByID(ctx, j.ID)
	return true
}

// staleReclaimMessage builds the error_message for a reclaimed job. It
// names the last completed page so a caller can resume from it.
func staleReclaimMessage(j *Job, threshold time.Duration) string {
	return fmt.Sprintf(
		"job heartbeat expired after %s; execution context presumed dead (last completed item: %d, resume from item %d)",
		threshold, j.LastCompletedItem, j.LastCompletedItem+1)
}
