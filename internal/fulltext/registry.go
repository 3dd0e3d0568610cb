package fulltext

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/index"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/internal/watcher"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ErrInvalidName is returned by Open for names that cannot name an index file.
var ErrInvalidName = errors.New("invalid index name")

// ValidName reports whether name can be used as an index name.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

// Registry hands out one Index per name within a directory.
type Registry struct {
	dir     string
	backend storage.Backend
	opts    []Option
	logger  *zap.Logger // optional

	watch   bool
	watcher *watcher.Watcher

	mu      sync.Mutex
	indexes map[string]*Index
	closed  bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIndexOptions applies opts to every index the registry opens.
func WithIndexOptions(opts ...Option) RegistryOption {
	return func(r *Registry) { r.opts = append(r.opts, opts...) }
}

// WithRegistryLogger sets a logger for the registry and its watcher.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithCacheWatch purges an index's in-memory cache when its cache file is
// removed, replaced or truncated by another process.
func WithCacheWatch(on bool) RegistryOption {
	return func(r *Registry) { r.watch = on }
}

// NewRegistry creates a registry over the indexes in dir. backend supplies
// the document store of each index and is closed with the registry.
func NewRegistry(dir string, backend storage.Backend, opts ...RegistryOption) (*Registry, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve index directory: %w", err)
	}
	r := &Registry{
		dir:     abs,
		backend: backend,
		indexes: make(map[string]*Index),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start starts the cache watcher when enabled. It runs until ctx ends or the
// registry is closed.
func (r *Registry) Start(ctx context.Context) error {
	if !r.watch {
		return nil
	}
	var wopts []watcher.WatcherOption
	if r.logger != nil {
		wopts = append(wopts, watcher.WithLogger(r.logger))
	}
	w := watcher.NewWatcher([]string{r.dir}, []string{index.ExtCache}, r.onCacheChange, wopts...)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cache watcher: %w", err)
	}
	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
	return nil
}

func (r *Registry) onCacheChange(ev watcher.Event) {
	name := strings.TrimSuffix(filepath.Base(ev.Path), index.ExtCache)
	r.mu.Lock()
	ix, ok := r.indexes[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	ix.Cache().Purge()
	if r.logger != nil {
		r.logger.Debug("cache file changed, memory cache purged", zap.String("index", name), zap.Stringer("kind", ev.Kind))
	}
}

// Open returns the index called name, opening it on first use.
func (r *Registry) Open(ctx context.Context, name string) (*Index, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if ix, ok := r.indexes[name]; ok {
		return ix, nil
	}
	docs, err := r.backend.Documents(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open documents of %q: %w", name, err)
	}
	ix, err := Open(ctx, r.dir, name, docs, r.opts...)
	if err != nil {
		_ = docs.Close()
		return nil, err
	}
	r.indexes[name] = ix
	if r.logger != nil {
		r.logger.Info("index opened", zap.String("index", name))
	}
	return ix, nil
}

// Names lists the indexes present on disk, opened or not.
func (r *Registry) Names() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*"+index.ExtIndex))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), index.ExtIndex)
		if ValidName(name) && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	r.mu.Lock()
	for name := range r.indexes {
		if !seen[name] {
			names = append(names, name)
		}
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names, nil
}

// DocumentBytes returns the disk usage of the document backend.
func (r *Registry) DocumentBytes() (int64, error) {
	return storage.DiskUsageBytes(r.backend.Paths()...)
}

// Close closes every open index, the watcher and the backend.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	indexes := r.indexes
	r.indexes = make(map[string]*Index)
	w := r.watcher
	r.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	var firstErr error
	for name, ix := range indexes {
		if err := ix.Close(); err != nil {
			if r.logger != nil {
				r.logger.Error("failed to close index", zap.String("index", name), zap.Error(err))
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := r.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
