package job

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/inkwell-works/inkwell/errors"
)

// ItemResult is a successful per-page outcome with its artifact reference
type ItemResult struct {
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// ItemProcessor is the external work-unit step function, invoked once per
// page. It writes the page artifact itself and returns a reference, or an
// error wrapped as Recoverable or Fatal. Unclassified errors are treated
// as recoverable.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, resourceID string, page int) (*ItemResult, error)
}

// ItemProcessorFunc adapts a function to the ItemProcessor interface
type ItemProcessorFunc func(ctx context.Context, resourceID string, page int) (*ItemResult, error)

// ProcessItem implements ItemProcessor
func (f ItemProcessorFunc) ProcessItem(ctx context.Context, resourceID string, page int) (*ItemResult, error) {
	return f(ctx, resourceID, page)
}

// RecoverableItemError marks a transient per-page failure (rate limiting,
// transient I/O). The loop retries it with bounded exponential backoff.
type RecoverableItemError struct {
	Err error
}

func (e *RecoverableItemError) Error() string { return e.Err.Error() }
func (e *RecoverableItemError) Unwrap() error { return e.Err }

// Recoverable wraps an error as a transient per-page failure
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableItemError{Err: err}
}

// FatalItemError marks a permanent per-page failure (malformed input,
// irrecoverable validation). The loop records it immediately, no retry.
type FatalItemError struct {
	Err error
}

func (e *FatalItemError) Error() string { return e.Err.Error() }
func (e *FatalItemError) Unwrap() error { return e.Err }

// Fatal wraps an error as a permanent per-page failure
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalItemError{Err: err}
}

// IsFatalItemError reports whether the error is classified fatal
func IsFatalItemError(err error) bool {
	var fatal *FatalItemError
	return errors.As(err, &fatal)
}

// RetryConfig bounds the per-page retry loop for recoverable errors
type RetryConfig struct {
	// MaxAttempts is the total number of tries per page
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt; it doubles on
	// each subsequent attempt
	BaseDelay time.Duration
}

// DefaultRetryConfig returns the standard per-page retry policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
	}
}

// ItemLoop processes a contiguous page range for one job, strictly in
// order, never fanning out within the job. Per-page errors are classified
// and recorded but never abort the job; only a context cancellation or an
// infrastructure failure escaping the loop does.
type ItemLoop struct {
	Processor ItemProcessor
	// Manifest is the batch-flushed secondary cache; optional
	Manifest *ManifestWriter
	// Limiter throttles calls into the processor; optional
	Limiter *rate.Limiter
	Retry   RetryConfig
	Logger  *zap.SugaredLogger
}

// Run processes pages from..to inclusive, reporting absolute progress to
// the lock service after every page. Counters continue from the job row,
// so a loop re-entered after partial progress reports cumulative truth.
func (il *ItemLoop) Run(ctx context.Context, locks *Locks, j *Job, from, to int) error {
	retry := il.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}

	completed := j.CompletedItems
	failed := j.FailedItems
	lastCompleted := j.LastCompletedItem
	detail := j.Detail
	if detail == nil {
		detail = &Detail{}
	}

	for page := from; page <= to; page++ {
		if err := ctx.Err(); err != nil {
			// Whole-job abort: the runner's catch-all records the failure
			return errors.Wrapf(err, "job cancelled at item %d", page)
		}

		if il.Manifest != nil {
			il.Manifest.MarkInFlight(ctx, page)
		}

		result, itemErr := il.processWithRetry(ctx, j.ResourceID, page, retry, detail)
		if itemErr != nil {
			failed++
			if il.Manifest != nil {
				il.Manifest.MarkFailed(ctx, page, itemErr.Error)
			}
		} else {
			completed++
			lastCompleted = page
			if il.Manifest != nil {
				il.Manifest.MarkComplete(ctx, page)
			}
			il.Logger.Debugw("Item processed",
				"job_id", j.ID,
				"item", page,
				"artifact_ref", result.ArtifactRef,
			)
		}

		// The job row update is synchronous on every page; only the
		// manifest is batched. A lost update here (job reclaimed under us)
		// is deliberately not an error the loop can act on.
		if err := locks.UpdateProgress(ctx, j.ID, Progress{
			CurrentItem:       page,
			CompletedItems:    completed,
			FailedItems:       failed,
			LastCompletedItem: lastCompleted,
			Detail:            detail,
		}); err != nil {
			il.Logger.Warnw("Progress update failed",
				"job_id", j.ID,
				"item", page,
				"error", err,
			)
		}
	}

	if il.Manifest != nil {
		if err := il.Manifest.Close(ctx); err != nil {
			il.Logger.Warnw("Final manifest flush failed",
				"job_id", j.ID,
				"error", err,
			)
		}
	}

	return nil
}

// processWithRetry runs one page through the processor, applying bounded
// exponential backoff to recoverable errors. On final failure it records
// the classified error in the detail map and returns it; nil means the
// page succeeded.
func (il *ItemLoop) processWithRetry(ctx context.Context, resourceID string, page int, retry RetryConfig, detail *Detail) (*ItemResult, *ItemError) {
	delay := retry.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if il.Limiter != nil {
			if err := il.Limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		result, err := il.Processor.ProcessItem(ctx, resourceID, page)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsFatalItemError(err) {
			itemErr := ItemError{
				Classification: ClassificationTerminal,
				Error:          err.Error(),
				Attempts:       attempt,
			}
			detail.RecordItemError(page, itemErr)
			il.Logger.Warnw("Item failed permanently",
				"resource_id", resourceID,
				"item", page,
				"error", err,
			)
			return nil, &itemErr
		}

		if attempt < retry.MaxAttempts {
			il.Logger.Debugw("Item failed, backing off",
				"resource_id", resourceID,
				"item", page,
				"attempt", attempt,
				"max_attempts", retry.MaxAttempts,
				"delay", delay,
				"error", err,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = retry.MaxAttempts
			}
			delay *= 2
		}
	}

	itemErr := ItemError{
		Classification: ClassificationRetryable,
		Error:          lastErr.Error(),
		Attempts:       retry.MaxAttempts,
	}
	detail.RecordItemError(page, itemErr)
	il.Logger.Warnw("Item failed after retries",
		"resource_id", resourceID,
		"item", page,
		"attempts", retry.MaxAttempts,
		"error", lastErr,
	)
	return nil, &itemErr
}
