// Package artifact abstracts the durable store holding per-page extraction
// results and the per-resource page manifest. The job engine only depends on
// the Store interface; the manifest it writes is a denormalized view for
// fast external reads and is always subordinate in authority to the job
// record in the database.
package artifact

import (
	"context"
	"strconv"
	"time"
)

// PageState is the manifest-level state of a single page
type PageState string

const (
	PageStatePending  PageState = "pending"
	PageStateInFlight PageState = "in_flight"
	PageStateComplete PageState = "complete"
	PageStateFailed   PageState = "failed"
)

// PageEntry records the manifest state of one page
type PageEntry struct {
	State PageState `json:"state"`
	Error string    `json:"error,omitempty"`
}

// Manifest is the batch-flushed, per-resource view of page progress.
// Pages are keyed by their 1-based page number, stringified for JSON.
type Manifest struct {
	ResourceID string               `json:"resource_id"`
	Pages      map[string]PageEntry `json:"pages"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// NewManifest creates an empty manifest for a resource
func NewManifest(resourceID string) *Manifest {
	return &Manifest{
		ResourceID: resourceID,
		Pages:      make(map[string]PageEntry),
	}
}

// Set records the state of a page
func (m *Manifest) Set(page int, entry PageEntry) {
	if m.Pages == nil {
		m.Pages = make(map[string]PageEntry)
	}
	m.Pages[strconv.Itoa(page)] = entry
}

// Get returns the entry for a page and whether it exists
func (m *Manifest) Get(page int) (PageEntry, bool) {
	entry, ok := m.Pages[strconv.Itoa(page)]
	return entry, ok
}

// Store is the durable artifact store for extracted page text and manifests.
// Implementations must make PutPage effectively atomic: after a crash,
// PageExists reports true only for fully written artifacts.
type Store interface {
	// PutPage writes the extracted text for a page, replacing any prior artifact
	PutPage(ctx context.Context, resourceID string, page int, text []byte) error

	// GetPage reads the extracted text for a page.
	// Returns errors.ErrNotFound if the artifact does not exist.
	GetPage(ctx context.Context, resourceID string, page int) ([]byte, error)

	// PageExists reports whether a fully written artifact exists for the page
	PageExists(ctx context.Context, resourceID string, page int) (bool, error)

	// ReadManifest loads the manifest for a resource.
	// Returns an empty manifest if none has been written yet.
	ReadManifest(ctx context.Context, resourceID string) (*Manifest, error)

	// WriteManifest replaces the manifest for a resource
	WriteManifest(ctx context.Context, resourceID string, m *Manifest) error
}
