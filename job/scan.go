package job

import (
	"database/sql"

	"github.com/inkwell-works/inkwell/errors"
)

// jobScanArgs holds the nullable column targets for scanning a job row
type jobScanArgs struct {
	Detail       sql.NullString
	ErrorMessage sql.NullString
	HeartbeatAt  sql.NullTime
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
}

// jobSelectColumns is the standard column list for job SELECT queries
const jobSelectColumns = `id, resource_id, job_type, status,
	total_items, completed_items, failed_items,
	current_item, last_completed_item,
	progress_detail, error_message,
	heartbeat_at, started_at, completed_at,
	created_at, updated_at`

// scanTargets returns scan destinations in jobSelectColumns order
func scanTargets(j *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&j.ID,
		&j.ResourceID,
		&j.Type,
		&j.Status,
		&j.TotalItems,
		&j.CompletedItems,
		&j.FailedItems,
		&j.CurrentItem,
		&j.LastCompletedItem,
		&args.Detail,
		&args.ErrorMessage,
		&args.HeartbeatAt,
		&args.StartedAt,
		&args.CompletedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	}
}

// applyScanArgs moves the nullable columns into the job struct
func applyScanArgs(j *Job, args *jobScanArgs) error {
	if args.Detail.Valid {
		detail, err := UnmarshalDetail(args.Detail.String)
		if err != nil {
			return errors.Wrapf(err, "job %s", j.ID)
		}
		j.Detail = detail
	}
	if args.ErrorMessage.Valid {
		j.ErrorMessage = args.ErrorMessage.String
	}
	if args.HeartbeatAt.Valid {
		j.HeartbeatAt = &args.HeartbeatAt.Time
	}
	if args.StartedAt.Valid {
		j.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		j.CompletedAt = &args.CompletedAt.Time
	}
	return nil
}

// scanJobFromRow scans a single job from a sql.Row
func scanJobFromRow(row *sql.Row, j *Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(scanTargets(j, args)...); err != nil {
		return err
	}
	return applyScanArgs(j, args)
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops)
func scanJobFromRows(rows *sql.Rows, j *Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(scanTargets(j, args)...); err != nil {
		return err
	}
	return applyScanArgs(j, args)
}
