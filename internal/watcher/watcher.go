// Package watcher reports out-of-band changes to index companion files with
// fsnotify. Appends are ignored; removal, replacement and truncation are
// reported after a debounce.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 200 * time.Millisecond

// Kind classifies a reported change.
type Kind int

const (
	// Removed means the file was deleted or renamed away.
	Removed Kind = iota + 1
	// Replaced means the file was created or renamed into place.
	Replaced
	// Truncated means the file shrank.
	Truncated
)

func (k Kind) String() string {
	switch k {
	case Removed:
		return "removed"
	case Replaced:
		return "replaced"
	case Truncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// Event is one debounced change.
type Event struct {
	Path string
	Kind Kind
}

// Watcher watches flat directories and invokes a callback on file changes.
type Watcher struct {
	roots       []string
	extensions  []string
	onChange    func(Event)
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	pending     map[string]Kind
	sizes       map[string]int64
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger // optional; when set, logs debug events
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output (file events, reported changes).
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long a path must stay quiet before it is reported.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher for the given directories. extensions filter
// which files are reported (empty = all).
func NewWatcher(roots []string, extensions []string, onChange func(Event), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		roots:       roots,
		extensions:  extensions,
		onChange:    onChange,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		pending:     make(map[string]Kind),
		sizes:       make(map[string]int64),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	if w.logger != nil {
		w.logger.Debug("watcher starting", zap.Strings("roots", w.roots), zap.Strings("extensions", w.extensions))
	}
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = w.watcher.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()
	go w.run(ctx, watcher)
	return nil
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil && w.logger != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !matchExtension(path, w.extensions) {
		return
	}
	if w.logger != nil {
		w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	}
	var kind Kind
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = Removed
		w.mu.Lock()
		delete(w.sizes, path)
		w.mu.Unlock()
	case ev.Has(fsnotify.Create):
		kind = Replaced
		w.recordSize(path)
	case ev.Has(fsnotify.Write):
		if !w.shrank(path) {
			return
		}
		kind = Truncated
	default:
		return
	}
	w.debounceChange(path, kind)
}

// shrank updates the known size of path and reports whether it got smaller.
func (w *Watcher) shrank(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, known := w.sizes[path]
	w.sizes[path] = info.Size()
	return known && info.Size() < prev
}

func (w *Watcher) recordSize(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.sizes[path] = info.Size()
	w.mu.Unlock()
}

func matchExtension(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	if len(extensions) == 0 {
		return true
	}
	for _, e := range extensions {
		eNorm := strings.TrimPrefix(strings.ToLower(e), ".")
		extNorm := strings.TrimPrefix(strings.ToLower(ext), ".")
		if eNorm == extNorm {
			return true
		}
	}
	return false
}

// debounceChange reports path once it has been quiet for the debounce
// interval. Removal wins over other kinds seen in the same window.
func (w *Watcher) debounceChange(path string, kind Kind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	if prev, ok := w.pending[path]; !ok || prev != Removed {
		w.pending[path] = kind
	}
	t := time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		k := w.pending[path]
		delete(w.pending, path)
		logger := w.logger
		w.mu.Unlock()
		if logger != nil {
			logger.Debug("watcher reporting change (debounced)", zap.String("path", path), zap.Stringer("kind", k))
		}
		if w.onChange != nil {
			w.onChange(Event{Path: path, Kind: k})
		}
	})
	w.debounceMap[path] = t
}

// AddDirectory adds a directory to watch.
func (w *Watcher) AddDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	for _, r := range w.roots {
		if filepath.Clean(r) == filepath.Clean(abs) {
			return nil
		}
	}
	if err := w.addRootLocked(abs); err != nil {
		return err
	}
	w.roots = append(w.roots, abs)
	if w.logger != nil {
		w.logger.Debug("watcher directory added", zap.String("path", abs))
	}
	return nil
}

// addRootLocked watches root, creating it if needed, and records the sizes of
// the files already present so that later truncation can be detected.
func (w *Watcher) addRootLocked(root string) error {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !matchExtension(e.Name(), w.extensions) {
			continue
		}
		if info, err := e.Info(); err == nil {
			w.sizes[filepath.Join(root, e.Name())] = info.Size()
		}
	}
	return nil
}

// Directories returns a copy of the current watched directories.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
