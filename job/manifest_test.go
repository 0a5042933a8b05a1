package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-works/inkwell/artifact"
	"github.com/inkwell-works/inkwell/logger"
)

func newTestManifestWriter(t *testing.T, flushEvery int, flushInterval time.Duration) (*ManifestWriter, artifact.Store) {
	t.Helper()
	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	w, err := NewManifestWriter(context.Background(), store, "binder-001", flushEvery, flushInterval, logger.NewTestLogger())
	require.NoError(t, err)
	return w, store
}

func TestManifestWriterBatchesByCount(t *testing.T) {
	w, store := newTestManifestWriter(t, 3, 0)
	ctx := context.Background()

	w.MarkComplete(ctx, 1)
	w.MarkComplete(ctx, 2)

	// Two updates buffered, nothing on disk yet
	m, err := store.ReadManifest(ctx, "binder-001")
	require.NoError(t, err)
	assert.Empty(t, m.Pages)

	// Third update crosses the threshold
	w.MarkComplete(ctx, 3)

	m, err = store.ReadManifest(ctx, "binder-001")
	require.NoError(t, err)
	assert.Len(t, m.Pages, 3)
}

func TestManifestWriterCloseFlushesRemainder(t *testing.T) {
	w, store := newTestManifestWriter(t, 100, 0)
	ctx := context.Background()

	w.MarkComplete(ctx, 1)
	w.MarkFailed(ctx, 2, "bad page")

	require.NoError(t, w.Close(ctx))

	m, err := store.ReadManifest(ctx, "binder-001")
	require.NoError(t, err)
	require.Len(t, m.Pages, 2)

	entry, _ := m.Get(2)
	assert.Equal(t, artifact.PageStateFailed, entry.State)
	assert.Equal(t, "bad page", entry.Error)
}

func TestManifestWriterFlushNoopWhenClean(t *testing.T) {
	w, store := newTestManifestWriter(t, 100, 0)
	ctx := context.Background()

	require.NoError(t, w.Flush(ctx))

	m, err := store.ReadManifest(ctx, "binder-001")
	require.NoError(t, err)
	assert.Empty(t, m.Pages, "clean writer never touches the store")
}

func TestManifestWriterFlushesByInterval(t *testing.T) {
	w, store := newTestManifestWriter(t, 0, 10*time.Millisecond)
	ctx := context.Background()

	w.MarkComplete(ctx, 1)
	m, err := store.ReadManifest(ctx, "binder-001")
	require.NoError(t, err)
	assert.Empty(t, m.Pages, "interval not elapsed yet")

	time.Sleep(15 * time.Millisecond)
	w.MarkComplete(ctx, 2)

	m, err = store.ReadManifest(ctx, "binder-001")
	require.NoError(t, err)
	assert.Len(t, m.Pages, 2)
}

func TestManifestWriterLoadsExistingState(t *testing.T) {
	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	prior := artifact.NewManifest("binder-001")
	prior.Set(1, artifact.PageEntry{State: artifact.PageStateComplete})
	require.NoError(t, store.WriteManifest(ctx, "binder-001", prior))

	w, err := NewManifestWriter(ctx, store, "binder-001", 1, 0, logger.NewTestLogger())
	require.NoError(t, err)

	w.MarkComplete(ctx, 2)

	m, err := store.ReadManifest(ctx, "binder-001")
	require.NoError(t, err)
	assert.Len(t, m.Pages, 2, "existing entries are preserved across writers")
}

func TestManifestWriterSnapshotIsCopy(t *testing.T) {
	w, _ := newTestManifestWriter(t, 100, 0)
	ctx := context.Background()

	w.MarkComplete(ctx, 1)
	snap := w.Snapshot()
	snap.Set(2, artifact.PageEntry{State: artifact.PageStateComplete})

	w.mu.Lock()
	_, ok := w.manifest.Get(2)
	w.mu.Unlock()
	assert.False(t, ok, "mutating the snapshot must not touch the writer")
}
