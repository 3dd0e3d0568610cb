package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// FileLock guards an index against other processes using gofrs/flock.
// Mutations take the exclusive lock; readers share one reference-counted
// shared lock, since flock state is per descriptor rather than per caller.
type FileLock struct {
	path    string
	flock   *flock.Flock
	mu      sync.Mutex
	readers int
}

// NewFileLock creates a lock backed by the file at path. The file is created
// on first use.
func NewFileLock(path string) *FileLock {
	return &FileLock{
		path:  path,
		flock: flock.New(path),
	}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

func (l *FileLock) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	return nil
}

// Lock acquires the exclusive lock, blocking until it is available.
func (l *FileLock) Lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureDir(); err != nil {
		return err
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

// Unlock releases the exclusive lock.
func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// RLock registers a reader, taking the shared lock for the first one.
func (l *FileLock) RLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers == 0 {
		if err := l.ensureDir(); err != nil {
			return err
		}
		if err := l.flock.RLock(); err != nil {
			return fmt.Errorf("failed to acquire shared lock: %w", err)
		}
	}
	l.readers++
	return nil
}

// RUnlock unregisters a reader, releasing the shared lock after the last one.
func (l *FileLock) RUnlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers == 0 {
		return nil
	}
	l.readers--
	if l.readers > 0 {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release shared lock: %w", err)
	}
	return nil
}
