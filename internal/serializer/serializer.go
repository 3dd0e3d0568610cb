// Package serializer orders the operations run against one index file.
//
// A Serializer keeps two FIFO queues. Mutations run one at a time and in
// submission order. Reads run concurrently with each other but never while a
// mutation is running or waiting to run: they queue up and are released, in
// order, once the mutation queue drains. Nothing is prioritised, timed out or
// cancelled; every accepted operation eventually runs.
package serializer

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("serializer closed")

// Hooks observe queue transitions. All fields are optional. Hooks run on the
// goroutine of the operation they bracket, except QueueChanged which runs
// with the queue locked and must not block.
type Hooks struct {
	// BeforeMutation and AfterMutation bracket every mutation.
	BeforeMutation func() error
	AfterMutation  func() error
	// QueueChanged is called with the queue depths after every transition.
	QueueChanged func(Stats)
}

// Stats is a snapshot of a Serializer's queues.
type Stats struct {
	PendingMutations int
	PendingReads     int
	ActiveReads      int
	Writing          bool
}

type task struct {
	fn   func() error
	done chan error
}

// Serializer is the per-index operation queue. The zero value is not usable;
// call New.
type Serializer struct {
	name   string
	hooks  Hooks
	logger *zap.Logger // optional

	mu        sync.Mutex
	writing   bool // a mutation is running or waiting for reads to drain
	current   *task
	mutations []*task
	reads     []*task
	active    int
	closed    bool
	idle      *sync.Cond
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithLogger sets a logger for debug output (queueing and release).
func WithLogger(l *zap.Logger) Option {
	return func(s *Serializer) { s.logger = l }
}

// WithHooks installs hooks; see Hooks.
func WithHooks(h Hooks) Option {
	return func(s *Serializer) { s.hooks = h }
}

// New creates a Serializer for the index called name.
func New(name string, opts ...Option) *Serializer {
	s := &Serializer{name: name}
	s.idle = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mutate queues fn as a mutation and returns a channel that receives its
// result once fn has run. The channel is buffered; callers may drop it.
func (s *Serializer) Mutate(fn func() error) <-chan error {
	t := &task{fn: fn, done: make(chan error, 1)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.done <- ErrClosed
		return t.done
	}
	if s.writing {
		s.mutations = append(s.mutations, t)
		if s.logger != nil {
			s.logger.Debug("mutation queued", zap.String("index", s.name), zap.Int("pending", len(s.mutations)))
		}
		s.notifyLocked()
		return t.done
	}
	s.writing = true
	s.current = t
	if s.active == 0 {
		s.startMutationLocked()
	} else if s.logger != nil {
		s.logger.Debug("mutation waiting for reads to drain", zap.String("index", s.name), zap.Int("active_reads", s.active))
	}
	s.notifyLocked()
	return t.done
}

// Read queues fn as a read and returns a channel that receives its result.
// Reads start immediately unless a mutation is running or waiting.
func (s *Serializer) Read(fn func() error) <-chan error {
	t := &task{fn: fn, done: make(chan error, 1)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		t.done <- ErrClosed
		return t.done
	}
	if s.writing {
		s.reads = append(s.reads, t)
		if s.logger != nil {
			s.logger.Debug("read queued behind mutation", zap.String("index", s.name), zap.Int("pending", len(s.reads)))
		}
		s.notifyLocked()
		return t.done
	}
	s.startReadLocked(t)
	s.notifyLocked()
	return t.done
}

// Stats returns the current queue depths.
func (s *Serializer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// Close rejects new operations and waits until every accepted one has run.
func (s *Serializer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for s.writing || s.active > 0 || len(s.reads) > 0 {
		s.idle.Wait()
	}
}

func (s *Serializer) statsLocked() Stats {
	return Stats{
		PendingMutations: len(s.mutations),
		PendingReads:     len(s.reads),
		ActiveReads:      s.active,
		Writing:          s.writing,
	}
}

func (s *Serializer) notifyLocked() {
	if s.hooks.QueueChanged != nil {
		s.hooks.QueueChanged(s.statsLocked())
	}
}

func (s *Serializer) startMutationLocked() {
	t := s.current
	go func() {
		err := s.runMutation(t.fn)
		t.done <- err
		s.mutationDone()
	}()
}

func (s *Serializer) runMutation(fn func() error) (err error) {
	if s.hooks.BeforeMutation != nil {
		if err := s.hooks.BeforeMutation(); err != nil {
			return err
		}
	}
	defer func() {
		if s.hooks.AfterMutation != nil {
			if afterErr := s.hooks.AfterMutation(); afterErr != nil && err == nil {
				err = afterErr
			}
		}
	}()
	return safeRun(fn)
}

func (s *Serializer) mutationDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mutations) > 0 {
		s.current = s.mutations[0]
		s.mutations[0] = nil
		s.mutations = s.mutations[1:]
		s.startMutationLocked()
		s.notifyLocked()
		return
	}
	s.writing = false
	s.current = nil
	released := s.reads
	s.reads = nil
	if len(released) > 0 && s.logger != nil {
		s.logger.Debug("releasing queued reads", zap.String("index", s.name), zap.Int("count", len(released)))
	}
	for _, t := range released {
		s.startReadLocked(t)
	}
	s.notifyLocked()
	s.idle.Broadcast()
}

func (s *Serializer) startReadLocked(t *task) {
	s.active++
	go func() {
		err := safeRun(t.fn)
		t.done <- err
		s.readDone()
	}()
}

func (s *Serializer) readDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active == 0 && s.writing {
		s.startMutationLocked()
	}
	s.notifyLocked()
	s.idle.Broadcast()
}

func safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return fn()
}
