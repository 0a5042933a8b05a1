package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/inkwell-works/inkwell/errors"
)

// FSStore is a filesystem-backed artifact store. Layout:
//
//	<root>/<resource_id>/pages/<page>.txt
//	<root>/<resource_id>/manifest.json
//
// Writes go through a temp file + rename so a crash mid-write never leaves
// a partial artifact that PageExists would report as present.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem artifact store rooted at the given directory
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("artifact root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create artifact root %s", root)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) pagePath(resourceID string, page int) string {
	return filepath.Join(s.root, resourceID, "pages", fmt.Sprintf("%d.txt", page))
}

func (s *FSStore) manifestPath(resourceID string) string {
	return filepath.Join(s.root, resourceID, "manifest.json")
}

// PutPage writes the extracted text for a page
func (s *FSStore) PutPage(ctx context.Context, resourceID string, page int, text []byte) error {
	path := s.pagePath(resourceID, page)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create page directory for %s", resourceID)
	}
	return atomicWrite(path, text)
}

// GetPage reads the extracted text for a page
func (s *FSStore) GetPage(ctx context.Context, resourceID string, page int) ([]byte, error) {
	data, err := os.ReadFile(s.pagePath(resourceID, page))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(errors.ErrNotFound, "page %d of %s", page, resourceID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read page %d of %s", page, resourceID)
	}
	return data, nil
}

// PageExists reports whether an artifact exists for the page
func (s *FSStore) PageExists(ctx context.Context, resourceID string, page int) (bool, error) {
	_, err := os.Stat(s.pagePath(resourceID, page))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to stat page %d of %s", page, resourceID)
	}
	return true, nil
}

// ReadManifest loads the manifest for a resource, or an empty one if missing
func (s *FSStore) ReadManifest(ctx context.Context, resourceID string) (*Manifest, error) {
	data, err := os.ReadFile(s.manifestPath(resourceID))
	if os.IsNotExist(err) {
		return NewManifest(resourceID), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest for %s", resourceID)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal manifest for %s", resourceID)
	}
	if m.Pages == nil {
		m.Pages = make(map[string]PageEntry)
	}
	return &m, nil
}

// WriteManifest replaces the manifest for a resource
func (s *FSStore) WriteManifest(ctx context.Context, resourceID string, m *Manifest) error {
	m.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal manifest for %s", resourceID)
	}

	path := s.manifestPath(resourceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create resource directory for %s", resourceID)
	}
	return atomicWrite(path, data)
}

// atomicWrite writes data to a temp file in the target directory, then renames
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for %s", path)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to close temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to rename temp file to %s", path)
	}
	return nil
}
