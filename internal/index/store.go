// Package index provides the flat-file keyword index: one line per document,
// appended on add and rewritten through a temporary file on update or remove.
//
// Store does no locking of its own. Callers serialize mutations (and keep
// reads away from them) through the per-index serializer.
package index

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

// File extensions of the files that make up a named index.
const (
	ExtIndex = ".idx"
	ExtCache = ".cache"
	ExtTemp  = ".tmp"
	ExtLock  = ".lock"
)

// Store is the index file of one named index.
type Store struct {
	name    string
	dir     string
	path    string
	tmpPath string
	logger  *zap.Logger // optional
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a logger for debug output (appends, rewrites, skipped lines).
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore returns the store for index name inside dir, creating dir if needed.
// The index file itself is created by the first append.
func NewStore(dir, name string, opts ...StoreOption) (*Store, error) {
	if name == "" {
		return nil, fmt.Errorf("index name cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	s := &Store{
		name:    name,
		dir:     dir,
		path:    filepath.Join(dir, name+ExtIndex),
		tmpPath: filepath.Join(dir, name+ExtTemp),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the index name.
func (s *Store) Name() string { return s.name }

// Path returns the index file path.
func (s *Store) Path() string { return s.path }

// CachePath returns the path of the companion cache file.
func (s *Store) CachePath() string { return filepath.Join(s.dir, s.name+ExtCache) }

// LockPath returns the path of the companion lock file.
func (s *Store) LockPath() string { return filepath.Join(s.dir, s.name+ExtLock) }

// Append writes one record line. The line goes out in a single write on an
// O_APPEND descriptor; durability is whatever the OS gives on write return.
// An unterminated fragment left by an interrupted write is closed off first
// so that it cannot absorb the new record.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	line := rec.String() + "\n"
	terminated, err := endsWithNewline(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to read index tail: %w", err)
	}
	if !terminated {
		if s.logger != nil {
			s.logger.Warn("terminating trailing fragment before append", zap.String("index", s.name))
		}
		line = "\n" + line
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append record %d: %w", rec.ID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}
	if s.logger != nil {
		s.logger.Debug("index record appended", zap.String("index", s.name), zap.Int64("id", rec.ID), zap.Int("keywords", len(rec.Keywords)))
	}
	return nil
}

// endsWithNewline reports whether f is empty or its last byte is a newline.
func endsWithNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	var last [1]byte
	if _, err := f.ReadAt(last[:], info.Size()-1); err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}

// Scan calls visit for each complete line of the index, in file order, until
// visit returns false or the file ends. A missing index is empty. An
// unterminated fragment at the end of the file is not a record and is skipped.
func (s *Store) Scan(ctx context.Context, visit func(line string) bool) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer f.Close()
	return s.eachLine(ctx, f, visit)
}

func (s *Store) eachLine(ctx context.Context, r io.Reader, visit func(line string) bool) error {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line != "" && s.logger != nil {
					s.logger.Warn("index has unterminated trailing line", zap.String("index", s.name), zap.Int("bytes", len(line)))
				}
				return nil
			}
			return fmt.Errorf("failed to read index: %w", err)
		}
		line = line[:len(line)-1]
		if line == "" {
			continue
		}
		if !visit(line) {
			return nil
		}
	}
}

// Record returns the first record with id. Malformed lines are skipped.
func (s *Store) Record(ctx context.Context, id int64) (rec Record, found bool, err error) {
	err = s.Scan(ctx, func(line string) bool {
		idField, _ := SplitLine(line)
		if n, perr := strconv.ParseInt(idField, 10, 64); perr != nil || n != id {
			return true
		}
		r, perr := ParseRecord(line)
		if perr != nil {
			return true
		}
		rec, found = r, true
		return false
	})
	return rec, found, err
}

// Count returns the number of records in the index.
func (s *Store) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.Scan(ctx, func(string) bool {
		n++
		return true
	})
	return n, err
}

// MaxID returns the highest id in the index, or 0 when it is empty.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var max int64
	err := s.Scan(ctx, func(line string) bool {
		idField, _ := SplitLine(line)
		if id, err := strconv.ParseInt(idField, 10, 64); err == nil && id > max {
			max = id
		}
		return true
	})
	return max, err
}

// Change describes a rewrite of one record.
type Change struct {
	ID int64
	// Keywords replaces the record's keywords; nil removes the record.
	Keywords []string
	// BeforeReplace, when set, runs after the scan found ID and before the
	// temporary file replaces the index. An error aborts the rewrite.
	BeforeReplace func() error
}

// Rewrite applies ch by copying the index into the temporary file and
// atomically renaming it over the index. It reports whether ch.ID was found;
// when it was not, the index is left untouched. On any error the temporary
// file is discarded and the index is left untouched.
func (s *Store) Rewrite(ctx context.Context, ch Change) (found bool, err error) {
	if ch.Keywords != nil {
		if err := (Record{ID: ch.ID, Keywords: ch.Keywords}).Validate(); err != nil {
			return false, err
		}
	}
	src, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open index: %w", err)
	}
	defer src.Close()

	tmp, err := os.OpenFile(s.tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to create temporary index: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(s.tmpPath)
		}
	}()

	target := strconv.FormatInt(ch.ID, 10)
	w := bufio.NewWriter(tmp)
	var writeErr error
	scanErr := s.eachLine(ctx, src, func(line string) bool {
		idField, _ := SplitLine(line)
		out := line
		if idField == target {
			if found || ch.Keywords == nil {
				// Duplicate lines for one id are collapsed into the first.
				found = true
				return true
			}
			found = true
			out = Record{ID: ch.ID, Keywords: ch.Keywords}.String()
		}
		if _, writeErr = w.WriteString(out + "\n"); writeErr != nil {
			return false
		}
		return true
	})
	if scanErr != nil {
		return false, scanErr
	}
	if writeErr != nil {
		return false, fmt.Errorf("failed to write temporary index: %w", writeErr)
	}
	if !found {
		return false, nil
	}
	if err := w.Flush(); err != nil {
		return true, fmt.Errorf("failed to flush temporary index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return true, fmt.Errorf("failed to sync temporary index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return true, fmt.Errorf("failed to close temporary index: %w", err)
	}
	if ch.BeforeReplace != nil {
		if err := ch.BeforeReplace(); err != nil {
			return true, err
		}
	}
	if err := os.Rename(s.tmpPath, s.path); err != nil {
		return true, fmt.Errorf("failed to replace index: %w", err)
	}
	committed = true
	if s.logger != nil {
		s.logger.Debug("index rewritten", zap.String("index", s.name), zap.Int64("id", ch.ID), zap.Bool("removed", ch.Keywords == nil))
	}
	return true, nil
}
