// Package ledger keeps the registry of agent runs, one per session.
//
// The ledger decides whether a run may start, wires the worker's output into
// the run's broadcaster and the persistence sink, and keeps finished runs
// around for a grace period so clients can still replay them.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xiaot623/crmweb/internal/broadcast"
	"github.com/xiaot623/crmweb/internal/domain"
	"github.com/xiaot623/crmweb/internal/supervisor"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultGracePeriod     = 5 * time.Minute
	DefaultPersistInterval = 2 * time.Second
)

// Process is a spawned worker as seen by the ledger.
type Process interface {
	PID() int
	Terminate(graceful bool)
}

// Spawner starts workers.
type Spawner interface {
	Spawn(req supervisor.Request, out supervisor.Output) (Process, error)
}

// Recorder receives the conversation state produced by runs. Calls for one
// session are made in order and must not block for long.
type Recorder interface {
	SaveMessage(msg domain.Message)
	RecordRun(rec domain.RunRecord)
}

// Config configures a Ledger.
type Config struct {
	BufferSize        int
	SubscriberBuffer  int
	GracePeriod       time.Duration
	PersistInterval   time.Duration
	MaxConcurrentRuns int64
}

// Ledger is the registry of runs keyed by session id.
type Ledger struct {
	cfg      Config
	spawner  Spawner
	recorder Recorder
	slots    *semaphore.Weighted

	mu       sync.Mutex
	runs     map[string]*Run
	draining bool
}

// New creates a Ledger. recorder may be nil to disable persistence.
func New(cfg Config, spawner Spawner, recorder Recorder) *Ledger {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = DefaultPersistInterval
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	l := &Ledger{
		cfg:      cfg,
		spawner:  spawner,
		recorder: recorder,
		runs:     make(map[string]*Run),
	}
	if cfg.MaxConcurrentRuns > 0 {
		l.slots = semaphore.NewWeighted(cfg.MaxConcurrentRuns)
	}
	return l
}

// StartRun starts a run for sessionID. It fails with domain.ErrConflict if the
// session already has an active run, with domain.ErrCapacity if the server is
// at its run limit, and with an error wrapping domain.ErrWorkerSpawn if the
// worker could not be started; no run is registered in those cases.
//
// The returned subscription was taken before the worker could emit anything,
// so it sees the whole stream. The caller must Close it.
func (l *Ledger) StartRun(sessionID, message, agentSessionID string) (*Run, *broadcast.Subscription, error) {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: server is shutting down", domain.ErrCapacity)
	}
	previous := l.runs[sessionID]
	if previous != nil && previous.Active() {
		l.mu.Unlock()
		return nil, nil, domain.ErrConflict
	}
	if l.slots != nil && !l.slots.TryAcquire(1) {
		l.mu.Unlock()
		return nil, nil, domain.ErrCapacity
	}

	run := newRun(sessionID, agentSessionID, broadcast.Options{
		BufferSize:       l.cfg.BufferSize,
		SubscriberBuffer: l.cfg.SubscriberBuffer,
	})
	sub, err := run.Subscribe(false)
	if err != nil {
		l.releaseSlot()
		l.mu.Unlock()
		return nil, nil, err
	}
	l.runs[sessionID] = run
	l.mu.Unlock()

	if previous != nil {
		// The finished run still in its grace period is replaced.
		l.stopEvictTimer(previous)
		previous.events.Release()
	}

	proc, err := l.spawner.Spawn(supervisor.Request{
		SessionID:      sessionID,
		Message:        message,
		AgentSessionID: agentSessionID,
	}, supervisor.Output{
		OnEvent: func(data json.RawMessage) { l.handleEvent(run, data) },
		OnExit:  func(code int, err error) { l.handleExit(run, code, err) },
	})
	if err != nil {
		l.mu.Lock()
		if l.runs[sessionID] == run {
			delete(l.runs, sessionID)
		}
		l.mu.Unlock()

		run.exit(-1, err.Error())
		sub.Close()
		run.events.Release()
		close(run.exited)
		l.releaseSlot()

		slog.Error("failed to spawn worker", "session_id", sessionID, "run_id", run.ID, "error", err)
		if !errors.Is(err, domain.ErrWorkerSpawn) {
			err = fmt.Errorf("%w: %v", domain.ErrWorkerSpawn, err)
		}
		return nil, nil, err
	}

	if !run.markRunning(proc) && run.wasAborted() {
		proc.Terminate(true)
	}

	run.mu.Lock()
	rec := run.record()
	run.mu.Unlock()
	l.recorder.RecordRun(rec)

	slog.Info("run started", "session_id", sessionID, "run_id", run.ID, "pid", proc.PID())
	return run, sub, nil
}

// HasActiveRun reports whether sessionID has a run in starting or running.
func (l *Ledger) HasActiveRun(sessionID string) bool {
	run := l.GetRun(sessionID)
	return run != nil && run.Active()
}

// GetRun returns the session's run, active or still within its grace period,
// or nil.
func (l *Ledger) GetRun(sessionID string) *Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[sessionID]
}

// ActiveRuns lists every run held by the ledger, oldest first.
func (l *Ledger) ActiveRuns() []domain.RunInfo {
	l.mu.Lock()
	runs := make([]*Run, 0, len(l.runs))
	for _, run := range l.runs {
		runs = append(runs, run)
	}
	l.mu.Unlock()

	infos := make([]domain.RunInfo, 0, len(runs))
	for _, run := range runs {
		infos = append(infos, run.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// AbortRun stops the session's active run. The run moves to error, its
// stream completes for every subscriber and its worker is terminated,
// escalating to a kill if it does not exit in time. It returns false when
// there is no active run; calling it again is a no-op.
func (l *Ledger) AbortRun(sessionID string) bool {
	run := l.GetRun(sessionID)
	if run == nil {
		return false
	}

	proc, ok := run.abort()
	if !ok {
		return false
	}
	run.events.Close()
	if proc != nil {
		proc.Terminate(true)
	}

	run.mu.Lock()
	rec := run.record()
	run.mu.Unlock()
	l.recorder.RecordRun(rec)
	l.scheduleEvict(run)

	slog.Info("run aborted", "session_id", sessionID, "run_id", run.ID)
	return true
}

// Shutdown refuses new runs, aborts every active run and waits for their
// workers to exit. Workers still alive when ctx is done are killed.
func (l *Ledger) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.draining = true
	runs := make([]*Run, 0, len(l.runs))
	for _, run := range l.runs {
		runs = append(runs, run)
	}
	l.mu.Unlock()

	for _, run := range runs {
		l.AbortRun(run.SessionID)
	}

	var err error
	for _, run := range runs {
		select {
		case <-run.Done():
		case <-ctx.Done():
			err = ctx.Err()
			run.mu.Lock()
			proc := run.proc
			run.mu.Unlock()
			if proc != nil {
				proc.Terminate(false)
			}
		}
		l.stopEvictTimer(run)
	}
	return err
}

func (l *Ledger) handleEvent(run *Run, data json.RawMessage) {
	if _, ok := run.events.Publish(data); !ok {
		// Stream already closed by an abort.
		return
	}

	evt, err := domain.ParseWorkerEvent(data)
	if err != nil {
		return
	}
	for _, msg := range run.accumulate(evt, l.cfg.PersistInterval) {
		l.recorder.SaveMessage(msg)
	}
}

func (l *Ledger) handleExit(run *Run, exitCode int, exitErr error) {
	errText := ""
	if exitErr != nil {
		errText = exitErr.Error()
	}

	if run.exit(exitCode, errText) && exitErr != nil {
		run.events.Publish(domain.ErrorEvent(fmt.Sprintf("agent process failed: %s", errText)))
	}
	run.events.Close()

	if msg, ok := run.flushAssistant(); ok {
		l.recorder.SaveMessage(msg)
	}
	run.mu.Lock()
	rec := run.record()
	run.mu.Unlock()
	l.recorder.RecordRun(rec)

	l.releaseSlot()
	l.scheduleEvict(run)
	close(run.exited)

	slog.Info("run finished", "session_id", run.SessionID, "run_id", run.ID, "status", rec.Status, "exit_code", exitCode)
}

func (l *Ledger) releaseSlot() {
	if l.slots != nil {
		l.slots.Release(1)
	}
}

// scheduleEvict arms the run's grace-period timer once.
func (l *Ledger) scheduleEvict(run *Run) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.evictTimer != nil {
		return
	}
	run.evictTimer = time.AfterFunc(l.cfg.GracePeriod, func() {
		l.evict(run.SessionID, run)
	})
}

func (l *Ledger) stopEvictTimer(run *Run) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.evictTimer != nil {
		run.evictTimer.Stop()
	}
}

// evict drops the session's entry if it still points at run, then releases
// the run's buffered events.
func (l *Ledger) evict(sessionID string, run *Run) {
	l.mu.Lock()
	if l.runs[sessionID] == run {
		delete(l.runs, sessionID)
	}
	l.mu.Unlock()

	run.events.Release()
	slog.Debug("run evicted", "session_id", sessionID, "run_id", run.ID)
}

type nopRecorder struct{}

func (nopRecorder) SaveMessage(domain.Message) {}
func (nopRecorder) RecordRun(domain.RunRecord) {}

// Supervised adapts a supervisor to the Spawner interface.
func Supervised(s *supervisor.Supervisor) Spawner {
	return supervisedSpawner{s}
}

type supervisedSpawner struct {
	sup *supervisor.Supervisor
}

func (s supervisedSpawner) Spawn(req supervisor.Request, out supervisor.Output) (Process, error) {
	w, err := s.sup.Spawn(req, out)
	if err != nil {
		return nil, err
	}
	return w, nil
}
