package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-works/inkwell/errors"
	inktest "github.com/inkwell-works/inkwell/internal/testing"
	"github.com/inkwell-works/inkwell/logger"
)

func newTestLocks(t *testing.T) *Locks {
	t.Helper()
	return NewLocks(inktest.CreateTestDB(t), DefaultStaleThreshold, logger.NewTestLogger())
}

// ageJob pushes a running job's liveness timestamps past the stale threshold
func ageJob(t *testing.T, l *Locks, jobID string, age time.Duration) {
	t.Helper()
	past := time.Now().Add(-age)
	_, err := l.store.db.Exec(
		`UPDATE ingest_jobs SET heartbeat_at = ?, started_at = ? WHERE id = ?`,
		past, past, jobID)
	require.NoError(t, err)
}

func TestAcquireEnforcesMutualExclusion(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	first, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)

	// Second acquire for the same resource must conflict, regardless of type
	_, err = locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypeBatchScan,
		TotalItems: 5,
	})
	assert.True(t, errors.IsConflictError(err))

	// Still held after the job starts running
	require.NoError(t, locks.Start(ctx, first.ID))
	_, err = locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	assert.True(t, errors.IsConflictError(err))

	// Released after the terminal transition
	require.NoError(t, locks.Release(ctx, first.ID, StatusCompleted, ""))
	_, err = locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	assert.NoError(t, err)
}

func TestConcurrentAcquiresResolveToOneWinner(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	const racers = 8
	start := make(chan struct{})
	results := make(chan error, racers)

	for i := 0; i < racers; i++ {
		go func() {
			<-start
			_, err := locks.Acquire(ctx, AcquireRequest{
				ResourceID: "binder-001",
				Type:       TypePageExtraction,
				TotalItems: 10,
			})
			results <- err
		}()
	}
	close(start)

	winners, conflicts := 0, 0
	for i := 0; i < racers; i++ {
		err := <-results
		switch {
		case err == nil:
			winners++
		case errors.IsConflictError(err):
			conflicts++
		default:
			t.Fatalf("unexpected acquire error: %v", err)
		}
	}

	// The partial unique index is the arbiter, so exactly one insert lands
	assert.Equal(t, 1, winners)
	assert.Equal(t, racers-1, conflicts)

	active, err := locks.store.GetActive(ctx, "binder-001")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, StatusPending, active.Status)
}

func TestAcquireReclaimsStaleHolder(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	holder, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)
	require.NoError(t, locks.Start(ctx, holder.ID))

	ageJob(t, locks, holder.ID, DefaultStaleThreshold+time.Minute)

	// A fresh acquire reclaims the dead holder instead of conflicting
	next, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)
	assert.NotEqual(t, holder.ID, next.ID)

	reclaimed, err := locks.GetJob(ctx, holder.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, reclaimed.Status)
	assert.Contains(t, reclaimed.ErrorMessage, "heartbeat expired")
}

func TestStartRequiresPending(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	j, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)

	require.NoError(t, locks.Start(ctx, j.ID))

	err = locks.Start(ctx, j.ID)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	assert.Contains(t, err.Error(), string(StatusRunning), "error names the actual status")
}

func TestReleaseRequiresTerminalStatus(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	j, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)
	require.NoError(t, locks.Start(ctx, j.ID))

	err = locks.Release(ctx, j.ID, StatusRunning, "")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	err = locks.Release(ctx, j.ID, StatusPending, "")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	require.NoError(t, locks.Release(ctx, j.ID, StatusFailed, "ran out of pages"))

	got, err := locks.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "ran out of pages", got.ErrorMessage)
}

func TestReleaseOnNonRunningJob(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	j, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)

	// Releasing a pending job is an invalid transition
	err = locks.Release(ctx, j.ID, StatusCompleted, "")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestUpdateProgressIgnoredWhenNotRunning(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	j, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)

	// Not an error: the caller is mid-iteration and cannot react anyway
	err = locks.UpdateProgress(ctx, j.ID, Progress{CurrentItem: 1, CompletedItems: 1, LastCompletedItem: 1})
	assert.NoError(t, err)

	got, err := locks.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CompletedItems, "pending job must be untouched")
}

func TestGetLatestReclaimsStale(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	j, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)
	require.NoError(t, locks.Start(ctx, j.ID))
	require.NoError(t, locks.UpdateProgress(ctx, j.ID, Progress{
		CurrentItem: 4, CompletedItems: 3, LastCompletedItem: 3,
	}))

	ageJob(t, locks, j.ID, DefaultStaleThreshold+time.Minute)

	// The status read itself performs the reclaim: the caller observes
	// failed, never a zombie running job
	got, err := locks.GetLatest(ctx, "binder-001", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "resume from item 4")
	assert.Equal(t, 3, got.LastCompletedItem, "progress survives the reclaim")
}

func TestGetLatestFreshJobNotReclaimed(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	j, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)
	require.NoError(t, locks.Start(ctx, j.ID))

	got, err := locks.GetLatest(ctx, "binder-001", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	sub := locks.Subscribe()
	defer locks.Unsubscribe(sub)

	j, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)
	require.NoError(t, locks.Start(ctx, j.ID))
	require.NoError(t, locks.Release(ctx, j.ID, StatusCompleted, ""))

	var statuses []Status
	for i := 0; i < 3; i++ {
		select {
		case snapshot := <-sub:
			statuses = append(statuses, snapshot.Status)
		case <-time.After(time.Second):
			t.Fatalf("expected 3 notifications, got %d", len(statuses))
		}
	}
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusCompleted}, statuses)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	locks := newTestLocks(t)
	ctx := context.Background()

	sub := locks.Subscribe()
	locks.Unsubscribe(sub)

	_, err := locks.Acquire(ctx, AcquireRequest{
		ResourceID: "binder-001",
		Type:       TypePageExtraction,
		TotalItems: 10,
	})
	require.NoError(t, err)

	select {
	case <-sub:
		t.Fatal("unsubscribed channel must not receive")
	case <-time.After(50 * time.Millisecond):
	}
}
