package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-works/inkwell/artifact"
	"github.com/inkwell-works/inkwell/config"
	inktest "github.com/inkwell-works/inkwell/internal/testing"
	"github.com/inkwell-works/inkwell/job"
	"github.com/inkwell-works/inkwell/logger"
)

type testServer struct {
	http     *httptest.Server
	locks    *job.Locks
	pipeline *job.Pipeline
	db       *sql.DB
}

// newTestServer wires the full HTTP surface over an in-memory database
// and a processor that writes artifacts into a temp store
func newTestServer(t *testing.T, processor job.ItemProcessor) *testServer {
	t.Helper()

	conn := inktest.CreateTestDB(t)
	locks := job.NewLocks(conn, job.DefaultStaleThreshold, logger.NewTestLogger())

	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	if processor == nil {
		processor = job.ItemProcessorFunc(func(ctx context.Context, resourceID string, page int) (*job.ItemResult, error) {
			if err := store.PutPage(ctx, resourceID, page, []byte("text")); err != nil {
				return nil, err
			}
			return &job.ItemResult{ArtifactRef: fmt.Sprintf("%s/pages/%d", resourceID, page)}, nil
		})
	}

	pipeline := &job.Pipeline{
		Locks:              locks,
		Runner:             job.NewRunner(context.Background(), job.SharedLocksFactory(locks), logger.NewTestLogger()),
		Artifacts:          store,
		Processor:          processor,
		Retry:              job.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond},
		ManifestFlushItems: 1,
		Logger:             logger.NewTestLogger(),
	}

	cfg := &config.Config{}
	cfg.Server.Port = config.DefaultServerPort

	s := New(cfg, locks, pipeline, logger.NewTestLogger())
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &testServer{http: ts, locks: locks, pipeline: pipeline, db: conn}
}

func (ts *testServer) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.http.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) *job.Job {
	t.Helper()
	var j job.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&j))
	return &j
}

func TestTriggerJobReturnsAccepted(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.post(t, "/api/jobs", TriggerRequest{
		ResourceID: "binder-001",
		JobType:    "page-extraction",
		TotalItems: 3,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	j := decodeJob(t, resp)
	assert.Equal(t, "binder-001", j.ResourceID)
	assert.Equal(t, job.StatusPending, j.Status, "the response reflects the job before execution")

	ts.pipeline.Runner.Wait()

	got, err := ts.locks.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
}

func TestTriggerJobConflict(t *testing.T) {
	gate := make(chan struct{})
	blocking := job.ItemProcessorFunc(func(ctx context.Context, resourceID string, page int) (*job.ItemResult, error) {
		<-gate
		return &job.ItemResult{}, nil
	})
	ts := newTestServer(t, blocking)

	resp := ts.post(t, "/api/jobs", TriggerRequest{
		ResourceID: "binder-001", JobType: "page-extraction", TotalItems: 2,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.post(t, "/api/jobs", TriggerRequest{
		ResourceID: "binder-001", JobType: "page-extraction", TotalItems: 2,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(gate)
	ts.pipeline.Runner.Wait()
}

func TestTriggerJobValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.post(t, "/api/jobs", TriggerRequest{JobType: "page-extraction", TotalItems: 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing resource_id")

	resp = ts.post(t, "/api/jobs", TriggerRequest{ResourceID: "binder-001", JobType: "ocr", TotalItems: 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown job_type")

	resp = ts.post(t, "/api/jobs", TriggerRequest{ResourceID: "binder-001", JobType: "page-extraction"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing total_items")
}

func TestResumeViaTrigger(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	// A failed first run to resume from
	j, err := ts.locks.Acquire(ctx, job.AcquireRequest{
		ResourceID: "binder-001", Type: job.TypePageExtraction, TotalItems: 5,
	})
	require.NoError(t, err)
	require.NoError(t, ts.locks.Start(ctx, j.ID))
	require.NoError(t, ts.locks.UpdateProgress(ctx, j.ID, job.Progress{
		CurrentItem: 2, CompletedItems: 2, LastCompletedItem: 2,
	}))
	require.NoError(t, ts.locks.Release(ctx, j.ID, job.StatusFailed, "died"))

	resp := ts.post(t, "/api/jobs", TriggerRequest{
		ResourceID: "binder-001", JobType: "page-extraction", Resume: true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resumed := decodeJob(t, resp)
	assert.Equal(t, 3, resumed.TotalItems, "scoped to the remaining pages")

	ts.pipeline.Runner.Wait()

	got, err := ts.locks.GetJob(ctx, resumed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
}

func TestResumeWithNothingToResume(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.post(t, "/api/jobs", TriggerRequest{
		ResourceID: "binder-unknown", JobType: "page-extraction", Resume: true,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.post(t, "/api/jobs", TriggerRequest{
		ResourceID: "binder-001", JobType: "page-extraction", TotalItems: 1,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ts.pipeline.Runner.Wait()

	resp = ts.get(t, "/api/jobs")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Jobs  []*job.Job `json:"jobs"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, job.StatusCompleted, body.Jobs[0].Status)

	resp = ts.get(t, "/api/jobs?status=running")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 0, body.Count)

	resp = ts.get(t, "/api/jobs?status=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobStats(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.post(t, "/api/jobs", TriggerRequest{
		ResourceID: "binder-001", JobType: "page-extraction", TotalItems: 1,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ts.pipeline.Runner.Wait()

	resp = ts.get(t, "/api/jobs/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ByStatus map[string]int `json:"by_status"`
		Total    int            `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, 1, body.ByStatus["completed"])
}

func TestGetJobByID(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.post(t, "/api/jobs", TriggerRequest{
		ResourceID: "binder-001", JobType: "page-extraction", TotalItems: 1,
	})
	j := decodeJob(t, resp)
	ts.pipeline.Runner.Wait()

	resp = ts.get(t, "/api/jobs/"+j.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJob(t, resp)
	assert.Equal(t, j.ID, got.ID)

	resp = ts.get(t, "/api/jobs/JOB_missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLatestJobReclaimsStaleOnRead(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	j, err := ts.locks.Acquire(ctx, job.AcquireRequest{
		ResourceID: "binder-001", Type: job.TypePageExtraction, TotalItems: 10,
	})
	require.NoError(t, err)
	require.NoError(t, ts.locks.Start(ctx, j.ID))
	require.NoError(t, ts.locks.UpdateProgress(ctx, j.ID, job.Progress{
		CurrentItem: 4, CompletedItems: 3, LastCompletedItem: 3,
	}))

	// Simulate the execution context dying long ago
	past := time.Now().Add(-job.DefaultStaleThreshold - time.Minute)
	_, err = ts.db.Exec(
		`UPDATE ingest_jobs SET heartbeat_at = ?, started_at = ? WHERE id = ?`,
		past, past, j.ID)
	require.NoError(t, err)

	// The HTTP status poll itself surfaces the failure
	resp := ts.get(t, "/api/jobs/latest?resource_id=binder-001")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeJob(t, resp)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "heartbeat expired")
	assert.Equal(t, 3, got.LastCompletedItem)
}

func TestLatestJobValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.get(t, "/api/jobs/latest")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "resource_id is required")

	resp = ts.get(t, "/api/jobs/latest?resource_id=binder-unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.get(t, "/api/jobs/latest?resource_id=binder-001&job_type=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetryItem(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.post(t, "/api/resources/binder-001/items/7/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ResourceID  string `json:"resource_id"`
		Item        int    `json:"item"`
		ArtifactRef string `json:"artifact_ref"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "binder-001", body.ResourceID)
	assert.Equal(t, 7, body.Item)
	assert.Equal(t, "binder-001/pages/7", body.ArtifactRef)
}

func TestRetryItemValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.post(t, "/api/resources/binder-001/items/zero/retry", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.post(t, "/api/resources/binder-001/items/-1/retry", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.get(t, "/api/resources/binder-001/items/7/retry")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = ts.post(t, "/api/resources/binder-001/nonsense", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.get(t, "/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthDegradedWhenStoreUnreachable(t *testing.T) {
	ts := newTestServer(t, nil)

	require.NoError(t, ts.db.Close())

	resp := ts.get(t, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
