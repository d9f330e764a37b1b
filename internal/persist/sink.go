// Package persist writes conversation state to the message store on behalf of
// running agents.
//
// Writes are best-effort: a failed write is logged and dropped, it never fails
// the run. Writes for one session are applied in the order they were issued.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/crmweb/internal/domain"
	"github.com/xiaot623/crmweb/internal/repository"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("persistence sink closed")

// Options tune a Sink. Zero values select defaults.
type Options struct {
	// LaneSize is the number of queued writes per session before SaveMessage
	// and RecordRun block.
	LaneSize int
	// WriteTimeout bounds a single queued store write.
	WriteTimeout time.Duration
	// LaneIdle is how long an empty lane's goroutine lingers before exiting.
	LaneIdle time.Duration
}

const (
	defaultLaneSize     = 256
	defaultWriteTimeout = 10 * time.Second
	defaultLaneIdle     = time.Minute
)

type job struct {
	desc  string
	write func(ctx context.Context) error
	msg   *domain.Message // message upsert, coalesced while queued
	done  chan struct{}
}

// lane is a session's write queue. Fields other than jobs are guarded by
// Sink.mu.
type lane struct {
	jobs    chan job
	senders int
	pending map[string]*domain.Message
}

// Sink serializes store writes per session. Each session gets a FIFO lane
// drained by its own goroutine; synchronous writes share the session lock
// with the lane so the two never interleave inside the store. A full lane
// only blocks writers of its own session.
type Sink struct {
	store repository.Store
	opts  Options

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	mu      sync.Mutex
	drained *sync.Cond
	lanes   map[string]*lane
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Sink writing to store.
func New(store repository.Store, opts Options) *Sink {
	if opts.LaneSize <= 0 {
		opts.LaneSize = defaultLaneSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.LaneIdle <= 0 {
		opts.LaneIdle = defaultLaneIdle
	}
	s := &Sink{
		store: store,
		opts:  opts,
		locks: make(map[string]*sync.Mutex),
		lanes: make(map[string]*lane),
	}
	s.drained = sync.NewCond(&s.mu)
	return s
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (s *Sink) getLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if lock, ok := s.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

// PersistUserMessage stores the user's message before its run starts.
// The write outlives ctx's cancellation, bounded by WriteTimeout, since the
// run goes ahead even when the client disconnects. Failures are logged and
// swallowed.
func (s *Sink) PersistUserMessage(ctx context.Context, sessionID string, msg *domain.Message) {
	msg.SessionID = sessionID
	if msg.Role == "" {
		msg.Role = domain.RoleUser
	}

	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
	defer cancel()

	if err := s.store.UpsertMessage(ctx, msg); err != nil {
		slog.Error("failed to persist user message", "session_id", sessionID, "message_id", msg.MessageID, "error", err)
	}
}

// SaveMessages upserts client-finalized messages synchronously. Unlike the
// other writes its error is returned, since a client is waiting on it.
func (s *Sink) SaveMessages(ctx context.Context, sessionID string, msgs []domain.Message) error {
	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	for i := range msgs {
		msgs[i].SessionID = sessionID
		if err := s.store.UpsertMessage(ctx, &msgs[i]); err != nil {
			return fmt.Errorf("save message %s: %w", msgs[i].MessageID, err)
		}
	}
	return nil
}

// SaveMessage queues an upsert of msg on its session's lane. While an
// upsert of the same message id is still queued, msg replaces its content
// instead of taking another slot.
func (s *Sink) SaveMessage(msg domain.Message) {
	s.enqueue(msg.SessionID, job{desc: "message " + msg.MessageID, msg: &msg})
}

// RecordRun queues an upsert of the run record on its session's lane.
func (s *Sink) RecordRun(rec domain.RunRecord) {
	s.enqueue(rec.SessionID, job{
		desc: "run " + rec.RunID,
		write: func(ctx context.Context) error {
			return s.store.UpsertRun(ctx, &rec)
		},
	})
}

// Flush blocks until every write queued for sessionID before the call has
// been applied, or ctx is done.
func (s *Sink) Flush(ctx context.Context, sessionID string) error {
	done := make(chan struct{})
	if !s.enqueue(sessionID, job{desc: "flush", done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes and waits for every lane to drain.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for s.sending() {
		s.drained.Wait()
	}
	for sessionID, l := range s.lanes {
		close(l.jobs)
		delete(s.lanes, sessionID)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// sending reports whether any writer is mid-send. Caller must hold s.mu.
func (s *Sink) sending() bool {
	for _, l := range s.lanes {
		if l.senders > 0 {
			return true
		}
	}
	return false
}

// enqueue adds j to the session's lane, creating the lane on first use.
// The send itself happens outside s.mu; the lane's sender count keeps it
// from being retired or closed meanwhile.
func (s *Sink) enqueue(sessionID string, j job) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Warn("persistence sink closed, dropping write", "session_id", sessionID, "write", j.desc)
		return false
	}

	l, ok := s.lanes[sessionID]
	if !ok {
		l = &lane{
			jobs:    make(chan job, s.opts.LaneSize),
			pending: make(map[string]*domain.Message),
		}
		s.lanes[sessionID] = l
		s.wg.Add(1)
		go s.processLane(sessionID, l)
	}
	if j.msg != nil {
		if queued, ok := l.pending[j.msg.MessageID]; ok {
			*queued = *j.msg
			s.mu.Unlock()
			return true
		}
		l.pending[j.msg.MessageID] = j.msg
	}
	l.senders++
	s.mu.Unlock()

	l.jobs <- j

	s.mu.Lock()
	l.senders--
	if l.senders == 0 && s.closed {
		s.drained.Broadcast()
	}
	s.mu.Unlock()
	return true
}

// processLane applies a session's writes in FIFO order and retires the lane
// once it has been idle for LaneIdle.
func (s *Sink) processLane(sessionID string, l *lane) {
	defer s.wg.Done()

	idle := time.NewTimer(s.opts.LaneIdle)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-l.jobs:
			if !ok {
				return
			}
			s.apply(sessionID, l, j)
			idle.Reset(s.opts.LaneIdle)
		case <-idle.C:
			s.mu.Lock()
			if len(l.jobs) == 0 && l.senders == 0 && s.lanes[sessionID] == l {
				delete(s.lanes, sessionID)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(s.opts.LaneIdle)
		}
	}
}

func (s *Sink) apply(sessionID string, l *lane, j job) {
	if j.done != nil {
		defer close(j.done)
	}

	write := j.write
	if j.msg != nil {
		s.mu.Lock()
		msg := *j.msg
		delete(l.pending, msg.MessageID)
		s.mu.Unlock()
		write = func(ctx context.Context) error {
			return s.store.UpsertMessage(ctx, &msg)
		}
	}
	if write == nil {
		return
	}

	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		slog.Error("persistence write failed", "session_id", sessionID, "write", j.desc, "error", err)
	}
}
