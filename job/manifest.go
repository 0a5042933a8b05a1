package job

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-works/inkwell/artifact"
)

// ManifestWriter buffers per-page manifest updates in memory and flushes
// them to the artifact store every N updates or T seconds, whichever comes
// first, bounding write cost against that store. The manifest is an
// optimization for fast external reads, never the authority: the job row
// is written synchronously on every page, and any divergence between the
// two is repaired by the resume coordinator before a resumed run begins.
type ManifestWriter struct {
	store         artifact.Store
	resourceID    string
	flushEvery    int
	flushInterval time.Duration
	logger        *zap.SugaredLogger

	mu        sync.Mutex
	manifest  *artifact.Manifest
	dirty     int
	lastFlush time.Time
}

// NewManifestWriter loads the resource's manifest (or starts an empty one)
// and returns a writer for it. flushEvery <= 0 disables count-based
// flushing; flushInterval <= 0 disables time-based flushing.
func NewManifestWriter(ctx context.Context, store artifact.Store, resourceID string, flushEvery int, flushInterval time.Duration, logger *zap.SugaredLogger) (*ManifestWriter, error) {
	m, err := store.ReadManifest(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return &ManifestWriter{
		store:         store,
		resourceID:    resourceID,
		flushEvery:    flushEvery,
		flushInterval: flushInterval,
		logger:        logger,
		manifest:      m,
		lastFlush:     time.Now(),
	}, nil
}

// MarkInFlight records a page as currently being processed
func (w *ManifestWriter) MarkInFlight(ctx context.Context, page int) {
	w.mark(ctx, page, artifact.PageEntry{State: artifact.PageStateInFlight})
}

// MarkComplete records a page as fully processed
func (w *ManifestWriter) MarkComplete(ctx context.Context, page int) {
	w.mark(ctx, page, artifact.PageEntry{State: artifact.PageStateComplete})
}

// MarkFailed records a page as failed with its error message
func (w *ManifestWriter) MarkFailed(ctx context.Context, page int, errMsg string) {
	w.mark(ctx, page, artifact.PageEntry{State: artifact.PageStateFailed, Error: errMsg})
}

// MarkPending resets a page for reprocessing
func (w *ManifestWriter) MarkPending(ctx context.Context, page int) {
	w.mark(ctx, page, artifact.PageEntry{State: artifact.PageStatePending})
}

func (w *ManifestWriter) mark(ctx context.Context, page int, entry artifact.PageEntry) {
	w.mu.Lock()
	w.manifest.Set(page, entry)
	w.dirty++
	shouldFlush := (w.flushEvery > 0 && w.dirty >= w.flushEvery) ||
		(w.flushInterval > 0 && time.Since(w.lastFlush) >= w.flushInterval)
	w.mu.Unlock()

	if shouldFlush {
		if err := w.Flush(ctx); err != nil {
			// A lost flush only widens the divergence window the resume
			// coordinator already repairs; log and keep going.
			w.logger.Warnw("Manifest flush failed",
				"resource_id", w.resourceID,
				"error", err,
			)
		}
	}
}

// Flush writes the manifest if it has buffered updates
func (w *ManifestWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dirty == 0 {
		return nil
	}
	if err := w.store.WriteManifest(ctx, w.resourceID, w.manifest); err != nil {
		return err
	}
	w.dirty = 0
	w.lastFlush = time.Now()
	return nil
}

// Close performs the final flush
func (w *ManifestWriter) Close(ctx context.Context) error {
	return w.Flush(ctx)
}

// Snapshot returns a copy of the buffered manifest (tests, status reads)
func (w *ManifestWriter) Snapshot() *artifact.Manifest {
	w.mu.Lock()
	defer w.mu.Unlock()

	copied := artifact.NewManifest(w.resourceID)
	copied.UpdatedAt = w.manifest.UpdatedAt
	for k, v := range w.manifest.Pages {
		copied.Pages[k] = v
	}
	return copied
}
