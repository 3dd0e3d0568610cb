// Package fulltext is the public face of a named keyword index: it ties the
// index file, the query cache, the operation queue and the document store
// together behind Add, Read, Update, Remove and Find.
package fulltext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/cache"
	"github.com/hyperjump/kensaku/internal/docid"
	"github.com/hyperjump/kensaku/internal/index"
	"github.com/hyperjump/kensaku/internal/keyword"
	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/search"
	"github.com/hyperjump/kensaku/internal/serializer"
	"github.com/hyperjump/kensaku/internal/storage"
)

var (
	// ErrNotFound is returned for ids that are not in the index or store.
	ErrNotFound = storage.ErrNotFound
	// ErrClosed is returned by operations on a closed index.
	ErrClosed = errors.New("index closed")
	// ErrInvalidPayload is returned when a payload is not valid JSON.
	ErrInvalidPayload = errors.New("payload is not valid JSON")
)

// Index is one named index. It is safe for concurrent use.
type Index struct {
	name      string
	store     *index.Store
	lock      *index.FileLock
	queue     *serializer.Serializer
	cache     *cache.QueryCache
	extractor *keyword.Extractor
	docs      storage.DocumentStore
	engine    *search.Engine
	ids       *docid.Generator

	invalidateOnWrite bool
	logger            *zap.Logger      // optional
	metrics           *metrics.Metrics // optional

	mu     sync.RWMutex
	closed bool
}

// Option configures an Index.
type Option func(*options)

type options struct {
	logger            *zap.Logger
	metrics           *metrics.Metrics
	keyword           keyword.Options
	memoryEntries     int
	invalidateOnWrite bool
	searchOpts        []search.Option
}

// WithLogger sets a logger; it is passed down to every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records queue depths, mutations and finds.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithKeywordOptions sets the extractor limits.
func WithKeywordOptions(k keyword.Options) Option {
	return func(o *options) { o.keyword = k }
}

// WithCacheMemoryEntries sets the query cache LRU size.
func WithCacheMemoryEntries(n int) Option {
	return func(o *options) { o.memoryEntries = n }
}

// WithInvalidateOnWrite clears the query cache after every committed mutation.
func WithInvalidateOnWrite(on bool) Option {
	return func(o *options) { o.invalidateOnWrite = on }
}

// WithSearchOptions passes options to the search engine.
func WithSearchOptions(opts ...search.Option) Option {
	return func(o *options) { o.searchOpts = append(o.searchOpts, opts...) }
}

// Open opens (or creates) the index name inside dir. docs is owned by the
// returned Index and closed with it.
func Open(ctx context.Context, dir, name string, docs storage.DocumentStore, opts ...Option) (*Index, error) {
	o := options{
		keyword:       keyword.DefaultOptions(),
		memoryEntries: cache.DefaultMemoryEntries,
	}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := index.NewStore(dir, name, index.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	qc, err := cache.New(store.CachePath(), cache.WithMemoryEntries(o.memoryEntries), cache.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	maxID, err := store.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read index %q: %w", name, err)
	}

	ix := &Index{
		name:              name,
		store:             store,
		lock:              index.NewFileLock(store.LockPath()),
		cache:             qc,
		extractor:         keyword.NewExtractor(o.keyword),
		docs:              docs,
		ids:               docid.New(maxID),
		invalidateOnWrite: o.invalidateOnWrite,
		logger:            o.logger,
		metrics:           o.metrics,
	}
	ix.queue = serializer.New(name,
		serializer.WithLogger(o.logger),
		serializer.WithHooks(serializer.Hooks{
			BeforeMutation: ix.lock.Lock,
			AfterMutation:  ix.lock.Unlock,
			QueueChanged: func(s serializer.Stats) {
				ix.metrics.ObserveQueue(name, s.PendingMutations, s.PendingReads, s.ActiveReads)
			},
		}),
	)
	searchOpts := append([]search.Option{
		search.WithLogger(o.logger),
		search.WithFileLock(ix.lock),
	}, o.searchOpts...)
	ix.engine = search.NewEngine(store, ix.queue, qc, ix.extractor, docs, searchOpts...)

	if ix.logger != nil {
		ix.logger.Debug("index opened", zap.String("index", name), zap.String("path", store.Path()), zap.Int64("max_id", maxID))
	}
	return ix, nil
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.name }

// Cache returns the query cache, for out-of-band invalidation.
func (ix *Index) Cache() *cache.QueryCache { return ix.cache }

func (ix *Index) checkOpen() error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return ErrClosed
	}
	return nil
}

// mutate queues fn and waits for it. fn runs even if ctx ends first; only the
// wait is abandoned.
func (ix *Index) mutate(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := ix.checkOpen(); err != nil {
		return err
	}
	runCtx := context.WithoutCancel(ctx)
	done := ix.queue.Mutate(func() error {
		err := fn(runCtx)
		ix.metrics.ObserveMutation(ix.name, op, err)
		if err == nil && ix.invalidateOnWrite && op != "clear-cache" {
			if cerr := ix.cache.Clear(); cerr != nil && ix.logger != nil {
				ix.logger.Warn("failed to clear cache after write", zap.String("index", ix.name), zap.Error(cerr))
			}
		}
		return err
	})
	select {
	case err := <-done:
		if errors.Is(err, serializer.ErrClosed) {
			return ErrClosed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validPayload(payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return ErrInvalidPayload
	}
	return nil
}

// Add indexes content and stores payload under a new id.
func (ix *Index) Add(ctx context.Context, content string, payload json.RawMessage) (int64, error) {
	if err := validPayload(payload); err != nil {
		return 0, err
	}
	keywords := ix.extractor.Extract(content, false)
	var id int64
	err := ix.mutate(ctx, "add", func(ctx context.Context) error {
		id = ix.ids.Next()
		if err := ix.docs.Write(ctx, id, payload); err != nil {
			return fmt.Errorf("failed to store document %d: %w", id, err)
		}
		if err := ix.store.Append(ctx, index.Record{ID: id, Keywords: keywords}); err != nil {
			if derr := ix.docs.Delete(ctx, id); derr != nil && ix.logger != nil {
				ix.logger.Warn("failed to remove orphaned document", zap.String("index", ix.name), zap.Int64("id", id), zap.Error(derr))
			}
			return fmt.Errorf("failed to index document %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if ix.logger != nil {
		ix.logger.Debug("document added", zap.String("index", ix.name), zap.Int64("id", id), zap.Int("keywords", len(keywords)))
	}
	return id, nil
}

// Read returns the payload stored for id.
func (ix *Index) Read(ctx context.Context, id int64) (json.RawMessage, error) {
	if err := ix.checkOpen(); err != nil {
		return nil, err
	}
	return ix.docs.Read(ctx, id)
}

// Document returns the stored keywords and payload of id. The keywords are
// read inside a gated read, like a find.
func (ix *Index) Document(ctx context.Context, id int64) (*models.Document, error) {
	if err := ix.checkOpen(); err != nil {
		return nil, err
	}
	var (
		rec   index.Record
		found bool
	)
	done := ix.queue.Read(func() error {
		if err := ix.lock.RLock(); err != nil {
			return err
		}
		defer func() { _ = ix.lock.RUnlock() }()
		var err error
		rec, found, err = ix.store.Record(ctx, id)
		return err
	})
	select {
	case err := <-done:
		if errors.Is(err, serializer.ErrClosed) {
			return nil, ErrClosed
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", id, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	payload, err := ix.docs.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.Document{ID: id, Keywords: rec.Keywords, Payload: payload}, nil
}

// Update replaces the keywords and payload of id. The payload is written
// before the rewritten index replaces the old one; if that write fails the
// index is left as it was. If the write succeeds but the replace then fails,
// the index keeps the old keywords while the store already holds the new
// payload.
func (ix *Index) Update(ctx context.Context, id int64, content string, payload json.RawMessage) error {
	if err := validPayload(payload); err != nil {
		return err
	}
	keywords := ix.extractor.Extract(content, false)
	return ix.mutate(ctx, "update", func(ctx context.Context) error {
		found, err := ix.store.Rewrite(ctx, index.Change{
			ID:       id,
			Keywords: keywords,
			BeforeReplace: func() error {
				if err := ix.docs.Write(ctx, id, payload); err != nil {
					return fmt.Errorf("failed to store document %d: %w", id, err)
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil
	})
}

// Remove drops id from the index and then deletes its payload.
func (ix *Index) Remove(ctx context.Context, id int64) error {
	return ix.mutate(ctx, "remove", func(ctx context.Context) error {
		found, err := ix.store.Rewrite(ctx, index.Change{ID: id})
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		if err := ix.docs.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete document %d: %w", id, err)
		}
		return nil
	})
}

// Find returns one page of documents matching query.
func (ix *Index) Find(ctx context.Context, query string, opts models.SearchOptions) (*models.SearchResult, error) {
	if err := ix.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := ix.engine.Find(ctx, query, opts)
	if err != nil {
		if errors.Is(err, serializer.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	ix.metrics.ObserveSearch(ix.name, time.Since(start), res.Cached, res.TotalCount)
	return res, nil
}

// ClearCache drops every cached result of this index. It is queued like a
// mutation so that it lands between writes.
func (ix *Index) ClearCache(ctx context.Context) error {
	return ix.mutate(ctx, "clear-cache", func(context.Context) error {
		return ix.cache.Clear()
	})
}

// Status describes an index.
type Status struct {
	Name             string `json:"name"`
	Records          int    `json:"records"`
	Documents        int64  `json:"documents"`
	IndexBytes       int64  `json:"index_bytes"`
	CacheBytes       int64  `json:"cache_bytes"`
	PendingMutations int    `json:"pending_mutations"`
	PendingReads     int    `json:"pending_reads"`
	ActiveReads      int    `json:"active_reads"`
	CacheHits        int64  `json:"cache_hits"`
	CacheMisses      int64  `json:"cache_misses"`
}

// Status counts records and documents and reports file sizes and queue depths.
func (ix *Index) Status(ctx context.Context) (*Status, error) {
	if err := ix.checkOpen(); err != nil {
		return nil, err
	}
	st := &Status{Name: ix.name}
	done := ix.queue.Read(func() error {
		n, err := ix.store.Count(ctx)
		st.Records = n
		return err
	})
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("failed to count records: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	docs, err := ix.docs.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	st.Documents = docs
	if st.IndexBytes, err = storage.DiskUsageBytes(ix.store.Path()); err != nil {
		return nil, err
	}
	if st.CacheBytes, err = storage.DiskUsageBytes(ix.store.CachePath()); err != nil {
		return nil, err
	}
	q := ix.queue.Stats()
	st.PendingMutations, st.PendingReads, st.ActiveReads = q.PendingMutations, q.PendingReads, q.ActiveReads
	st.CacheHits, st.CacheMisses = ix.cache.Stats()
	return st, nil
}

// Close waits for queued operations to finish and releases the document store.
func (ix *Index) Close() error {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return nil
	}
	ix.closed = true
	ix.mu.Unlock()
	ix.queue.Close()
	if err := ix.docs.Close(); err != nil {
		return fmt.Errorf("failed to close document store: %w", err)
	}
	return nil
}
