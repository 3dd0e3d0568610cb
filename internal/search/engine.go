// Package search answers ranked, paginated keyword queries over one index.
package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/kensaku/internal/cache"
	"github.com/hyperjump/kensaku/internal/index"
	"github.com/hyperjump/kensaku/internal/keyword"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/ranking"
	"github.com/hyperjump/kensaku/internal/storage"
)

// DefaultResolveConcurrency bounds concurrent payload reads per page.
const DefaultResolveConcurrency = 8

// Gate runs reads of the index file so that they never overlap a mutation.
// *serializer.Serializer satisfies it.
type Gate interface {
	Read(fn func() error) <-chan error
}

// Engine runs finds against one index.
type Engine struct {
	store     *index.Store
	gate      Gate
	cache     *cache.QueryCache
	extractor *keyword.Extractor
	docs      storage.DocumentStore

	lock          *index.FileLock // optional
	logger        *zap.Logger     // optional
	concurrency   int
	defaultTake   int
	maxTake       int
	defaultStrict bool

	group singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithFileLock makes scans hold the shared cross-process lock.
func WithFileLock(l *index.FileLock) Option {
	return func(e *Engine) { e.lock = l }
}

// WithResolveConcurrency bounds concurrent payload reads; n <= 0 keeps the default.
func WithResolveConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithPageDefaults sets the page size used when none is given and the
// largest page size accepted.
func WithPageDefaults(defaultTake, maxTake int) Option {
	return func(e *Engine) {
		if defaultTake > 0 {
			e.defaultTake = defaultTake
		}
		if maxTake > 0 {
			e.maxTake = maxTake
		}
	}
}

// WithDefaultStrict sets the match mode used when a query leaves it unset.
func WithDefaultStrict(strict bool) Option {
	return func(e *Engine) { e.defaultStrict = strict }
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(
	store *index.Store,
	gate Gate,
	qc *cache.QueryCache,
	extractor *keyword.Extractor,
	docs storage.DocumentStore,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:         store,
		gate:          gate,
		cache:         qc,
		extractor:     extractor,
		docs:          docs,
		concurrency:   DefaultResolveConcurrency,
		defaultTake:   models.DefaultTake,
		maxTake:       models.MaxTake,
		defaultStrict: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Options applies the engine defaults to opts.
func (e *Engine) Options(opts models.SearchOptions) models.SearchOptions {
	if opts.Strict == nil {
		opts.Strict = models.Bool(e.defaultStrict)
	}
	if opts.Take <= 0 {
		opts.Take = e.defaultTake
	}
	if opts.Take > e.maxTake {
		opts.Take = e.maxTake
	}
	return opts.Normalize()
}

// Find returns one page of the documents matching query, best first.
func (e *Engine) Find(ctx context.Context, query string, opts models.SearchOptions) (*models.SearchResult, error) {
	startTime := time.Now()
	opts = e.Options(opts)
	sig := cache.Signature(query, opts)

	ids, cached, err := e.rankedIDs(ctx, sig, query, opts)
	if err != nil {
		return nil, err
	}

	from, to := opts.Window(len(ids))
	page, err := e.resolve(ctx, ids[from:to])
	if err != nil {
		return nil, err
	}

	return &models.SearchResult{
		TotalCount: len(ids),
		Page:       page,
		Cached:     cached,
		QueryTime:  time.Since(startTime).Milliseconds(),
	}, nil
}

// rankedIDs returns the complete ranked list for sig, from the cache or from
// a scan. Concurrent misses for one signature share a single scan. The scan
// is detached from the caller that started it, so one caller giving up does
// not fail the others; each caller only stops waiting on its own ctx.
func (e *Engine) rankedIDs(ctx context.Context, sig, query string, opts models.SearchOptions) ([]int64, bool, error) {
	if entry, ok := e.cache.Lookup(ctx, sig); ok {
		return entry.IDs, true, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	scanCtx := context.WithoutCancel(ctx)
	ch := e.group.DoChan(sig, func() (interface{}, error) {
		keywords := e.extractor.Extract(query, opts.Alternate)
		ids, err := e.scan(scanCtx, keywords, opts.IsStrict())
		if err != nil {
			return nil, err
		}
		if err := e.cache.Store(scanCtx, sig, ids); err != nil && e.logger != nil {
			e.logger.Warn("failed to store cache entry", zap.String("index", e.store.Name()), zap.Error(err))
		}
		return ids, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		if r.Shared && e.logger != nil {
			e.logger.Debug("shared scan result", zap.String("index", e.store.Name()), zap.String("signature", sig))
		}
		return r.Val.([]int64), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// scan scores every index line inside a gated read.
func (e *Engine) scan(ctx context.Context, keywords []string, strict bool) ([]int64, error) {
	if len(keywords) == 0 {
		return []int64{}, nil
	}
	r := ranking.NewRanker(keywords, strict)
	done := e.gate.Read(func() error {
		if e.lock != nil {
			if err := e.lock.RLock(); err != nil {
				return err
			}
			defer func() { _ = e.lock.RUnlock() }()
		}
		return e.store.Scan(ctx, func(line string) bool {
			r.Consider(line)
			return true
		})
	})
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if n := r.Skipped(); n > 0 && e.logger != nil {
		e.logger.Warn("skipped malformed index lines", zap.String("index", e.store.Name()), zap.Int("count", n))
	}
	return r.Ranked(), nil
}

// resolve reads the payloads of a page concurrently, keeping rank order.
// A failed read is reported on its hit and does not fail the page.
func (e *Engine) resolve(ctx context.Context, ids []int64) ([]models.Hit, error) {
	hits := make([]models.Hit, len(ids))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			payload, err := e.docs.Read(ctx, id)
			hits[i] = models.Hit{ID: id, Payload: payload, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, h := range hits {
		if h.Err != nil && e.logger != nil {
			e.logger.Warn("failed to resolve document", zap.String("index", e.store.Name()), zap.Int64("id", h.ID), zap.Error(h.Err))
		}
	}
	return hits, nil
}
