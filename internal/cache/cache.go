// Package cache persists ranked search results per query signature.
//
// Entries live in the index's companion cache file, one line per entry:
//
//	signature=totalCount,id1,id2,...
//
// An in-memory LRU sits in front of the file. Entries are never invalidated
// by index mutations; Clear is the only way to drop them.
package cache

import (
	"bufio"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/keyword"
	"github.com/hyperjump/kensaku/internal/models"
)

// DefaultMemoryEntries is the LRU size used when none is configured.
const DefaultMemoryEntries = 1024

// Entry is the full ranked id list for one signature, before pagination.
type Entry struct {
	Total int
	IDs   []int64
}

// QueryCache is the result cache of one index.
type QueryCache struct {
	path   string
	mem    *lru.Cache[string, Entry] // nil when the memory layer is disabled
	logger *zap.Logger               // optional

	mu     sync.RWMutex // guards the cache file
	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a QueryCache.
type Option func(*config)

type config struct {
	memoryEntries int
	logger        *zap.Logger
}

// WithMemoryEntries sets the LRU size; zero or less disables the memory layer.
func WithMemoryEntries(n int) Option {
	return func(c *config) { c.memoryEntries = n }
}

// WithLogger sets a logger for debug output (hits, misses, skipped lines).
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New returns the cache backed by the file at path. The file is created by
// the first Store.
func New(path string, opts ...Option) (*QueryCache, error) {
	cfg := config{memoryEntries: DefaultMemoryEntries}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &QueryCache{path: path, logger: cfg.logger}
	if cfg.memoryEntries > 0 {
		mem, err := lru.New[string, Entry](cfg.memoryEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}
		c.mem = mem
	}
	return c, nil
}

// Path returns the cache file path.
func (c *QueryCache) Path() string { return c.path }

// Signature identifies a query for caching: the hex of the first 16 bytes of
// the SHA-256 of the normalized query and its ranking options. Pagination is
// not part of the signature.
func Signature(query string, opts models.SearchOptions) string {
	canon := map[string]string{
		"alternate": strconv.FormatBool(opts.Alternate),
		"strict":    strconv.FormatBool(opts.IsStrict()),
	}
	keys := make([]string, 0, len(canon))
	for k := range canon {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(keyword.NormalizeQuery(query))
	for _, k := range keys {
		b.WriteString("\x00")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(canon[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum[:16])
}

// Lookup returns the entry for sig. Unreadable files and malformed lines are
// treated as misses.
func (c *QueryCache) Lookup(ctx context.Context, sig string) (Entry, bool) {
	if c.mem != nil {
		if e, ok := c.mem.Get(sig); ok {
			c.hits.Add(1)
			if c.logger != nil {
				c.logger.Debug("cache hit", zap.String("signature", sig), zap.String("layer", "memory"))
			}
			return e, true
		}
	}
	e, ok, err := c.scan(ctx, sig)
	if err != nil && c.logger != nil {
		c.logger.Warn("cache file unreadable, treating as miss", zap.String("path", c.path), zap.Error(err))
	}
	if !ok {
		c.misses.Add(1)
		if c.logger != nil {
			c.logger.Debug("cache miss", zap.String("signature", sig))
		}
		return Entry{}, false
	}
	c.hits.Add(1)
	if c.mem != nil {
		c.mem.Add(sig, e)
	}
	if c.logger != nil {
		c.logger.Debug("cache hit", zap.String("signature", sig), zap.String("layer", "file"))
	}
	return e, true
}

func (c *QueryCache) scan(ctx context.Context, sig string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	defer f.Close()

	prefix := sig + "="
	br := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return Entry{}, false, err
		}
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Entry{}, false, err
		}
		complete := strings.HasSuffix(line, "\n")
		if complete && strings.HasPrefix(line, prefix) {
			e, perr := parseEntry(strings.TrimSuffix(line, "\n")[len(prefix):])
			if perr == nil {
				return e, true, nil
			}
			if c.logger != nil {
				c.logger.Debug("skipping malformed cache line", zap.String("signature", sig), zap.Error(perr))
			}
		}
		if err != nil {
			return Entry{}, false, nil
		}
	}
}

// parseEntry parses "totalCount,id1,id2,...".
func parseEntry(s string) (Entry, error) {
	fields := strings.Split(s, ",")
	total, err := strconv.Atoi(fields[0])
	if err != nil || total < 0 {
		return Entry{}, fmt.Errorf("invalid total count %q", fields[0])
	}
	ids := make([]int64, 0, total)
	for _, f := range fields[1:] {
		if f == "" {
			continue
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("invalid id %q", f)
		}
		ids = append(ids, id)
	}
	if len(ids) != total {
		return Entry{}, fmt.Errorf("total count %d does not match %d ids", total, len(ids))
	}
	return Entry{Total: total, IDs: ids}, nil
}

func formatEntry(sig string, ids []int64) string {
	var b strings.Builder
	b.WriteString(sig)
	b.WriteByte('=')
	b.WriteString(strconv.Itoa(len(ids)))
	b.WriteByte(',')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte('\n')
	return b.String()
}

// Store records the ranked ids for sig, including an empty list.
func (c *QueryCache) Store(ctx context.Context, sig string, ids []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := Entry{Total: len(ids), IDs: append([]int64(nil), ids...)}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open cache file: %w", err)
	}
	if _, err := f.WriteString(formatEntry(sig, ids)); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append cache entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if c.mem != nil {
		c.mem.Add(sig, e)
	}
	return nil
}

// Clear truncates the cache file and empties the memory layer.
func (c *QueryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Truncate(c.path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to truncate cache file: %w", err)
	}
	c.Purge()
	if c.logger != nil {
		c.logger.Debug("cache cleared", zap.String("path", c.path))
	}
	return nil
}

// Purge empties the memory layer only. It is used when the file changed
// under us.
func (c *QueryCache) Purge() {
	if c.mem != nil {
		c.mem.Purge()
	}
}

// Stats returns the hit and miss counts since New.
func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
