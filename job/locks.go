package job

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-works/inkwell/errors"
)

const (
	// DefaultStaleThreshold is how long a running job may go without a
	// heartbeat before it is reclaimed as failed
	DefaultStaleThreshold = 2 * time.Minute

	// releaseRetryDelay is the pause before the single Release retry
	releaseRetryDelay = 1 * time.Second

	// subscriberChannelBufferSize is the buffer size for subscriber channels
	subscriberChannelBufferSize = 100
)

// Progress carries one absolute-value progress update. Every field is the
// caller's current cumulative truth, never a delta: replaying the same
// update any number of times is idempotent, and a delayed replay with
// older values is harmless under last-writer-wins because the next true
// update supersedes it (and last_completed_item never moves backward at
// the store layer).
type Progress struct {
	CurrentItem       int
	CompletedItems    int
	FailedItems       int
	LastCompletedItem int
	Detail            *Detail
}

// Locks enforces the job state machine and the at-most-one-active-job-per-
// resource invariant. All status mutations flow through it; no code outside
// this package writes job status directly.
type Locks struct {
	store          *Store
	staleThreshold time.Duration
	logger         *zap.SugaredLogger

	mu          sync.Mutex
	subscribers []chan *Job
}

// NewLocks creates a lock service over the given database handle.
// staleThreshold <= 0 selects DefaultStaleThreshold.
func NewLocks(db *sql.DB, staleThreshold time.Duration, logger *zap.SugaredLogger) *Locks {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Locks{
		store:          NewStore(db),
		staleThreshold: staleThreshold,
		logger:         logger,
	}
}

// Store exposes the underlying job store for read-only consumers
// (listing endpoints, stats).
func (l *Locks) Store() *Store {
	return l.store
}

// StaleThreshold returns the configured heartbeat expiry threshold
func (l *Locks) StaleThreshold() time.Duration {
	return l.staleThreshold
}

// AcquireRequest describes the job to create
type AcquireRequest struct {
	ResourceID string
	Type       Type
	TotalItems int
	// Detail seeds the progress detail, e.g. the page range of a resumed run
	Detail *Detail
}

// Acquire creates a job in pending state. Returns errors.ErrConflict if an
// active job already exists for the resource - unless that job is stale, in
// which case it is reclaimed first and the acquire proceeds. Uniqueness is
// enforced by the database's partial unique index, not application logic,
// so concurrent acquires for one resource resolve to exactly one winner.
func (l *Locks) Acquire(ctx context.Context, req AcquireRequest) (*Job, error) {
	// Reclaim a stale holder before inserting, so a crashed job does not
	// block the resource until someone polls it.
	if active, err := l.store.GetActive(ctx, req.ResourceID); err != nil {
		return nil, err
	} else if active != nil {
		if !l.reclaimIfStale(ctx, active) {
			return nil, errors.Wrapf(errors.ErrConflict,
				"resource %s already has an active job %s (%s)",
				req.ResourceID, active.ID, active.Status)
		}
	}

	j, err := New(req.ResourceID, req.Type, req.TotalItems)
	if err != nil {
		return nil, err
	}
	j.Detail = req.Detail

	if err := l.store.CreateJob(ctx, j); err != nil {
		// Lost a concurrent acquire race: the constraint already translated
		// to ErrConflict in the store.
		return nil, err
	}

	l.logger.Infow("Job acquired",
		"job_id", j.ID,
		"resource_id", j.ResourceID,
		"job_type", j.Type,
		"total_items", j.TotalItems,
	)

	l.notifySubscribers(j)
	return j, nil
}

// Start transitions pending -> running and sets the initial heartbeat.
// Returns errors.ErrInvalidTransition if the job is not pending. The
// precondition is re-validated atomically with the write, closing the race
// against a concurrent stale reclaim of the same row.
func (l *Locks) Start(ctx context.Context, jobID string) error {
	changed, err := l.store.markRunning(ctx, jobID, time.Now())
	if err != nil {
		return err
	}
	if !changed {
		j, getErr := l.store.GetJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		return errors.Wrapf(errors.ErrInvalidTransition,
			"cannot start job %s: status is %s, want %s", jobID, j.Status, StatusPending)
	}

	l.logger.Infow("Job started", "job_id", jobID)
	l.notifyJobByID(ctx, jobID)
	return nil
}

// UpdateProgress overwrites the progress fields with the absolute values
// supplied and refreshes the heartbeat. Silently a no-op if the job is not
// running (it may have been reclaimed or completed externally): the caller
// is mid-iteration and cannot meaningfully react, so this never fails on
// a lost job - only on infrastructure errors.
func (l *Locks) UpdateProgress(ctx context.Context, jobID string, p Progress) error {
	applied, err := l.store.updateProgress(ctx, jobID, p, time.Now())
	if err != nil {
		return err
	}
	if !applied {
		l.logger.Debugw("Progress update on non-running job ignored",
			"job_id", jobID,
			"current_item", p.CurrentItem,
		)
		return nil
	}

	l.notifyJobByID(ctx, jobID)
	return nil
}

// Release performs the terminal transition running -> completed|failed.
// A failed store write is retried once after a short delay; if both
// attempts fail the job is deliberately left running, and the stale
// detector reclaims it once its heartbeat ages out.
func (l *Locks) Release(ctx context.Context, jobID string, status Status, errMsg string) error {
	if !status.Terminal() {
		return errors.Wrapf(errors.ErrInvalidTransition,
			"release requires a terminal status, got %s", status)
	}

	changed, err := l.store.markTerminal(ctx, jobID, status, errMsg, time.Now())
	if err != nil {
		l.logger.Warnw("Release write failed, retrying once",
			"job_id", jobID,
			"status", status,
			"error", err,
		)
		select {
		case <-time.After(releaseRetryDelay):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "release cancelled before retry")
		}
		changed, err = l.store.markTerminal(ctx, jobID, status, errMsg, time.Now())
		if err != nil {
			// Leave the job running; the stale detector is the backstop.
			l.logger.Errorw("Release failed after retry, leaving job for stale reclaim",
				"job_id", jobID,
				"status", status,
				"error", err,
			)
			return errors.Wrapf(err, "failed to release job %s", jobID)
		}
	}
	if !changed {
		j, getErr := l.store.GetJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		return errors.Wrapf(errors.ErrInvalidTransition,
			"cannot release job %s: status is %s, want %s", jobID, j.Status, StatusRunning)
	}

	l.logger.Infow("Job released",
		"job_id", jobID,
		"status", status,
		"error_message", errMsg,
	)
	l.notifyJobByID(ctx, jobID)
	return nil
}

// GetLatest returns the most recently created job for a resource,
// optionally filtered by job type. If that job is running and stale it is
// reclaimed first, so callers always observe a terminal status promptly
// after a crash, never a zombie running forever.
func (l *Locks) GetLatest(ctx context.Context, resourceID string, jobType *Type) (*Job, error) {
	j, err := l.store.GetLatest(ctx, resourceID, jobType)
	if err != nil {
		return nil, err
	}

	if l.reclaimIfStale(ctx, j) {
		// Re-read so the caller sees the reclaimed state
		return l.store.GetJob(ctx, j.ID)
	}

	return j, nil
}

// GetJob retrieves a job by ID (no stale-check side effect)
func (l *Locks) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return l.store.GetJob(ctx, jobID)
}

// Subscribe returns a buffered channel receiving job snapshots on every
// state change. Callers must Unsubscribe when done.
func (l *Locks) Subscribe() chan *Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan *Job, subscriberChannelBufferSize)
	l.subscribers = append(l.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed here;
// the caller owns its lifecycle.
func (l *Locks) Unsubscribe(ch chan *Job) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, sub := range l.subscribers {
		if sub == ch {
			l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
			return
		}
	}
}

// notifyJobByID fetches the current row and fans it out to subscribers
func (l *Locks) notifyJobByID(ctx context.Context, jobID string) {
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		l.logger.Debugw("Failed to load job for notification",
			"job_id", jobID,
			"error", err,
		)
		return
	}
	l.notifySubscribers(j)
}

// notifySubscribers sends a snapshot to all subscribers, non-blocking
func (l *Locks) notifySubscribers(j *Job) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ch := range l.subscribers {
		select {
		case ch <- j:
		default:
			// Channel full, skip
		}
	}
}
