package job

import (
	"context"
	"database/sql"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/inkwell-works/inkwell/errors"
)

// Store handles persistence of ingestion jobs. It is the only component
// that touches the ingest_jobs table; Locks layers the state machine on
// top of it.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the database is reachable. Returns a wrapped
// errors.ErrServiceUnavailable so callers can map it to a degraded status.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrapf(errors.ErrServiceUnavailable, "job store unreachable: %v", err)
	}
	return nil
}

// CreateJob inserts a new pending job. Returns errors.ErrConflict if the
// resource already has an active job: the partial unique index over
// resource_id makes two concurrent inserts race safely, with exactly one
// winner and one constraint violation.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	detailJSON, err := MarshalDetail(j.Detail)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ingest_jobs (
			id, resource_id, job_type, status,
			total_items, completed_items, failed_items,
			current_item, last_completed_item,
			progress_detail, error_message,
			heartbeat_at, started_at, completed_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	detail := sql.NullString{String: detailJSON, Valid: detailJSON != ""}
	errMsg := sql.NullString{String: j.ErrorMessage, Valid: j.ErrorMessage != ""}

	_, err = s.db.ExecContext(ctx, query,
		j.ID,
		j.ResourceID,
		j.Type,
		j.Status,
		j.TotalItems,
		j.CompletedItems,
		j.FailedItems,
		j.CurrentItem,
		j.LastCompletedItem,
		detail,
		errMsg,
		j.HeartbeatAt,
		j.StartedAt,
		j.CompletedAt,
		j.CreatedAt,
		j.UpdatedAt,
	)

	if err != nil {
		if isUniqueConstraintErr(err) {
			return errors.Wrapf(errors.ErrConflict,
				"resource %s already has an active job", j.ResourceID)
		}
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// isUniqueConstraintErr reports whether the error is a SQLite unique
// constraint violation (the active-job index firing)
func isUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM ingest_jobs WHERE id = ?`

	var j Job
	err := scanJobFromRow(s.db.QueryRowContext(ctx, query, id), &j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return &j, nil
}

// GetLatest returns the most recently created job for a resource,
// optionally filtered by job type. Returns errors.ErrNotFound if the
// resource has no jobs.
func (s *Store) GetLatest(ctx context.Context, resourceID string, jobType *Type) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + `
		FROM ingest_jobs
		WHERE resource_id = ?`
	args := []interface{}{resourceID}

	if jobType != nil {
		query += ` AND job_type = ?`
		args = append(args, *jobType)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	var j Job
	err := scanJobFromRow(s.db.QueryRowContext(ctx, query, args...), &j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no jobs for resource %s", resourceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest job")
	}

	return &j, nil
}

// GetActive returns the active (pending or running) job for a resource,
// or nil if the resource has none.
func (s *Store) GetActive(ctx context.Context, resourceID string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + `
		FROM ingest_jobs
		WHERE resource_id = ?
		  AND status IN ('pending', 'running')
		LIMIT 1`

	var j Job
	err := scanJobFromRow(s.db.QueryRowContext(ctx, query, resourceID), &j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get active job")
	}

	return &j, nil
}

// markRunning performs the pending -> running transition. The status
// precondition sits in the WHERE clause, so re-validation and write are a
// single atomic statement; false means the job was not pending anymore.
func (s *Store) markRunning(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE ingest_jobs
		SET status = ?, heartbeat_at = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		StatusRunning, now, now, now, id, StatusPending)
	if err != nil {
		return false, errors.Wrap(err, "failed to mark job running")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// updateProgress overwrites the progress fields with absolute values and
// refreshes the heartbeat. Guarded on status = running: a job that was
// reclaimed or completed underneath the caller is silently untouched.
// last_completed_item only moves forward, so a delayed replay of an older
// update can never rewind the resumption anchor.
func (s *Store) updateProgress(ctx context.Context, id string, p Progress, now time.Time) (bool, error) {
	detailJSON, err := MarshalDetail(p.Detail)
	if err != nil {
		return false, err
	}
	detail := sql.NullString{String: detailJSON, Valid: detailJSON != ""}

	query := `
		UPDATE ingest_jobs
		SET current_item = ?,
		    completed_items = ?,
		    failed_items = ?,
		    last_completed_item = MAX(last_completed_item, ?),
		    progress_detail = COALESCE(?, progress_detail),
		    heartbeat_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		p.CurrentItem,
		p.CompletedItems,
		p.FailedItems,
		p.LastCompletedItem,
		detail,
		now,
		now,
		id,
		StatusRunning,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to update progress")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// markTerminal performs the running -> completed|failed transition.
// error_message is written iff the terminal status is failed; completed_at
// is always set. False means the job was not running.
func (s *Store) markTerminal(ctx context.Context, id string, status Status, errMsg string, now time.Time) (bool, error) {
	if !status.Terminal() {
		return false, errors.AssertionFailedf("markTerminal called with non-terminal status %s", status)
	}

	message := sql.NullString{String: errMsg, Valid: status == StatusFailed && errMsg != ""}

	query := `
		UPDATE ingest_jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		status, message, now, now, id, StatusRunning)
	if err != nil {
		return false, errors.Wrap(err, "failed to mark job terminal")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// reclaimStale transitions running -> failed for a job observed stale.
// The WHERE clause re-checks status and compares heartbeat_at/started_at
// against the values observed when staleness was detected: if the job's
// own execution context heartbeated (or Start ran) in the meantime, zero
// rows match and the reclaim loses the race, which is the correct outcome.
func (s *Store) reclaimStale(ctx context.Context, observed *Job, errMsg string, now time.Time) (bool, error) {
	query := `
		UPDATE ingest_jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
		  AND status = ?
		  AND heartbeat_at IS ?
		  AND started_at IS ?
	`
	result, err := s.db.ExecContext(ctx, query,
		StatusFailed,
		errMsg,
		now,
		now,
		observed.ID,
		StatusRunning,
		observed.HeartbeatAt,
		observed.StartedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to reclaim stale job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// ListJobs returns jobs ordered newest first, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, status *Status, limit int) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM ingest_jobs`
	var args []interface{}

	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := scanJobFromRows(rows, &j); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &j)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	return jobs, nil
}

// CountByStatus returns the number of jobs per status
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM ingest_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}

	return counts, nil
}

// CleanupOldJobs removes terminal jobs older than the specified duration.
// Active jobs are never touched.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `
		DELETE FROM ingest_jobs
		WHERE status IN ('completed', 'failed')
		  AND updated_at < ?
	`
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}
