// Package job implements the inkwell background job engine: a durable job
// record with an explicit state machine, per-resource mutual exclusion,
// idempotent progress tracking with heartbeat liveness, lazy stale-job
// reclamation, and resume-from-failure coordination.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-works/inkwell/errors"
)

// Status represents the current state of a job.
//
// State machine:
//
//	(none) --Acquire--> pending --Start--> running --Release(completed)--> completed
//	                                            |--Release(failed)------> failed
//	                                            |--[stale reclaim]------> failed
//
// "stale" is synthetic and never persisted: a running job whose heartbeat
// has expired is resolved straight to failed on the next status read.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is terminal
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the status counts against the one-active-job-per-resource invariant
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Type distinguishes the pipelines sharing this engine
type Type string

const (
	// TypePageExtraction extracts text from each page of a source
	TypePageExtraction Type = "page-extraction"
	// TypeBatchScan re-scans already stored pages in bulk
	TypeBatchScan Type = "batch-scan"
)

// IsValidType returns true if the string is a known job type
func IsValidType(s string) bool {
	switch Type(s) {
	case TypePageExtraction, TypeBatchScan:
		return true
	default:
		return false
	}
}

// Classification records how a per-page failure should be treated
type Classification string

const (
	// ClassificationRetryable marks a transient failure that exhausted its
	// backoff retries; the page is a candidate for a later retry.
	ClassificationRetryable Classification = "retryable"
	// ClassificationTerminal marks a permanent failure; retrying the page
	// without fixing its input will fail again.
	ClassificationTerminal Classification = "terminal"
)

// ItemError records one page's failure inside the job's progress detail
type ItemError struct {
	Classification Classification `json:"classification"`
	Error          string         `json:"error"`
	Attempts       int            `json:"attempts,omitempty"`
}

// Detail is the structured progress_detail column: a per-page error map
// plus arbitrary running statistics. Page keys are ints in Go and strings
// in JSON (object keys).
type Detail struct {
	ItemErrors map[int]ItemError      `json:"item_errors,omitempty"`
	Stats      map[string]interface{} `json:"stats,omitempty"`
}

// RecordItemError adds or replaces a page's error entry
func (d *Detail) RecordItemError(page int, itemErr ItemError) {
	if d.ItemErrors == nil {
		d.ItemErrors = make(map[int]ItemError)
	}
	d.ItemErrors[page] = itemErr
}

// SetStat records a running statistic
func (d *Detail) SetStat(key string, value interface{}) {
	if d.Stats == nil {
		d.Stats = make(map[string]interface{})
	}
	d.Stats[key] = value
}

// RangeFrom and RangeTo read the page range recorded at acquire time.
// A zero return means the bound was not recorded.
func (d *Detail) RangeFrom() int { return d.statInt("range_from") }
func (d *Detail) RangeTo() int   { return d.statInt("range_to") }

func (d *Detail) statInt(key string) int {
	if d == nil || d.Stats == nil {
		return 0
	}
	switch v := d.Stats[key].(type) {
	case int:
		return v
	case float64: // JSON numbers decode as float64
		return int(v)
	default:
		return 0
	}
}

// Job represents one long-running, multi-page operation executed
// independently of the request that triggered it. The database row is the
// single source of truth; every status mutation flows through Locks.
type Job struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	Type       Type   `json:"job_type"`
	Status     Status `json:"status"`

	// TotalItems is the page count known at creation; immutable once set.
	// Zero means unknown.
	TotalItems     int `json:"total_items,omitempty"`
	CompletedItems int `json:"completed_items"`
	FailedItems    int `json:"failed_items"`

	// CurrentItem is the page presently (or most recently) in flight
	CurrentItem int `json:"current_item,omitempty"`
	// LastCompletedItem is the highest page whose processing fully
	// succeeded; the resumption anchor. Never decreases.
	LastCompletedItem int `json:"last_completed_item,omitempty"`

	Detail *Detail `json:"progress_detail,omitempty"`

	ErrorMessage string     `json:"error_message,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// New creates a pending job record for a resource. The record is not
// persisted; Locks.Acquire is the only path that stores a new job.
func New(resourceID string, jobType Type, totalItems int) (*Job, error) {
	if resourceID == "" {
		return nil, errors.New("resourceID cannot be empty")
	}
	if !IsValidType(string(jobType)) {
		return nil, errors.Newf("unknown job type: %s", jobType)
	}
	if totalItems < 0 {
		return nil, errors.Newf("totalItems cannot be negative: %d", totalItems)
	}

	now := time.Now()
	return &Job{
		ID:         "JOB_" + uuid.NewString(),
		ResourceID: resourceID,
		Type:       jobType,
		Status:     StatusPending,
		TotalItems: totalItems,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Stale reports whether a running job's liveness signal has expired.
// Liveness is the heartbeat, or started_at before any heartbeat exists.
func (j *Job) Stale(threshold time.Duration, now time.Time) bool {
	if j.Status != StatusRunning {
		return false
	}
	liveness := j.StartedAt
	if j.HeartbeatAt != nil {
		liveness = j.HeartbeatAt
	}
	if liveness == nil {
		// Running with neither timestamp should not happen; treat as stale
		// so the job cannot zombie forever.
		return true
	}
	return now.Sub(*liveness) > threshold
}

// MarshalDetail converts a Detail to its JSON column representation
func MarshalDetail(d *Detail) (string, error) {
	if d == nil {
		return "", nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal progress detail")
	}
	return string(data), nil
}

// UnmarshalDetail converts the JSON column representation back to a Detail
func UnmarshalDetail(data string) (*Detail, error) {
	if data == "" {
		return nil, nil
	}
	var d Detail
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal progress detail")
	}
	return &d, nil
}
