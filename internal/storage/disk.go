package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DiskBackend stores payloads as files: <root>/<index>/<id>.json.
type DiskBackend struct {
	root string
}

// NewDiskBackend creates root if needed.
func NewDiskBackend(root string) (*DiskBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("documents path cannot be empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create documents directory: %w", err)
	}
	return &DiskBackend{root: root}, nil
}

// Documents returns the store of the named index.
func (b *DiskBackend) Documents(name string) (DocumentStore, error) {
	return NewDiskStore(filepath.Join(b.root, name))
}

// Paths returns the documents root.
func (b *DiskBackend) Paths() []string { return []string{b.root} }

// Close is a no-op.
func (b *DiskBackend) Close() error { return nil }

// DiskStore keeps one JSON file per document in a directory. Writes go to a
// temporary file that is renamed into place.
type DiskStore struct {
	dir string
}

// NewDiskStore creates dir if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create documents directory: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(id int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(id, 10)+".json")
}

// Write stores payload for id, replacing any previous one.
func (s *DiskStore) Write(ctx context.Context, id int64, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, strconv.FormatInt(id, 10)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary document: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write document %d: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync document %d: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close document %d: %w", id, err)
	}
	if err := os.Rename(tmpPath, s.path(id)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to store document %d: %w", id, err)
	}
	return nil
}

// Read returns the payload of id.
func (s *DiskStore) Read(ctx context.Context, id int64) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read document %d: %w", id, err)
	}
	return json.RawMessage(data), nil
}

// Delete removes the payload of id.
func (s *DiskStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete document %d: %w", id, err)
	}
	return nil
}

// Count returns the number of stored payloads.
func (s *DiskStore) Count(ctx context.Context) (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list documents: %w", err)
	}
	var n int64
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *DiskStore) Close() error { return nil }

// DiskUsageBytes returns the total size in bytes of the given paths.
// Each path may be a file or a directory (recursively summed).
// Missing paths are skipped; other errors are returned.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if info.IsDir() {
			n, err := dirSize(p)
			if err != nil {
				return 0, err
			}
			total += n
		} else {
			total += info.Size()
		}
	}
	return total, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info != nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
