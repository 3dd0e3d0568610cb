// Package storage persists the opaque JSON payload of each indexed document.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no payload exists for an id.
var ErrNotFound = errors.New("document not found")

// Backend names accepted by Open.
const (
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
)

// DocumentStore maps document ids of one index to their payloads.
// Implementations are safe for concurrent use and keep each id consistent on
// their own: a Write is either fully visible or not at all.
type DocumentStore interface {
	Write(ctx context.Context, id int64, payload json.RawMessage) error
	// Read returns ErrNotFound for unknown ids.
	Read(ctx context.Context, id int64) (json.RawMessage, error)
	// Delete is a no-op for unknown ids.
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Backend hands out the DocumentStore of each named index.
type Backend interface {
	Documents(name string) (DocumentStore, error)
	// Paths returns the files or directories holding the data, for disk usage.
	Paths() []string
	Close() error
}

// Open returns the backend of the given kind. documentsPath is used by the
// disk backend and databasePath by the sqlite backend.
func Open(kind, documentsPath, databasePath string) (Backend, error) {
	switch kind {
	case "", BackendDisk:
		b, err := NewDiskBackend(documentsPath)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendSQLite:
		s, err := NewSQLiteStorage(databasePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
