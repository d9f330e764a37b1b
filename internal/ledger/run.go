package ledger

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/crmweb/internal/broadcast"
	"github.com/xiaot623/crmweb/internal/domain"
)

// Run is one agent run held by the ledger, from start until eviction.
type Run struct {
	ID             string
	SessionID      string
	AgentSessionID string
	CreatedAt      time.Time

	events *broadcast.Broadcaster
	exited chan struct{}

	mu         sync.Mutex
	status     domain.RunStatus
	proc       Process
	pid        int
	finishedAt *time.Time
	exitCode   int
	errText    string
	aborted    bool
	evictTimer *time.Timer

	// assistant message accumulated from deltas
	assistantID string
	text        strings.Builder
	reasoning   strings.Builder
	dirty       bool
	lastSave    time.Time
}

func newRun(sessionID, agentSessionID string, opts broadcast.Options) *Run {
	return &Run{
		ID:             "run_" + uuid.New().String()[:8],
		SessionID:      sessionID,
		AgentSessionID: agentSessionID,
		CreatedAt:      time.Now(),
		events:         broadcast.New(opts),
		exited:         make(chan struct{}),
		status:         domain.RunStatusStarting,
		assistantID:    "msg_" + uuid.New().String(),
	}
}

// Status returns the run's current status.
func (r *Run) Status() domain.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Active reports whether the run still owns a worker.
func (r *Run) Active() bool {
	return r.Status().IsActive()
}

// Subscribe attaches a new consumer to the run's event stream. With replay
// set it first receives every buffered event. It fails with
// domain.ErrRunNotFound once the run has been evicted.
func (r *Run) Subscribe(replay bool) (*broadcast.Subscription, error) {
	sub, err := r.events.Subscribe(replay)
	if errors.Is(err, broadcast.ErrReleased) {
		return nil, domain.ErrRunNotFound
	}
	return sub, err
}

// Done is closed once the worker has exited, or immediately if it never
// started.
func (r *Run) Done() <-chan struct{} {
	return r.exited
}

// Info returns a snapshot of the run.
func (r *Run) Info() domain.RunInfo {
	r.mu.Lock()
	info := domain.RunInfo{
		RunID:          r.ID,
		SessionID:      r.SessionID,
		AgentSessionID: r.AgentSessionID,
		Status:         r.status,
		PID:            r.pid,
		CreatedAt:      r.CreatedAt,
		FinishedAt:     r.finishedAt,
	}
	r.mu.Unlock()

	info.EventCount = r.events.Published()
	info.Subscribers = r.events.SubscriberCount()
	return info
}

// record builds the durable run record. Caller must hold r.mu.
func (r *Run) record() domain.RunRecord {
	return domain.RunRecord{
		RunID:          r.ID,
		SessionID:      r.SessionID,
		AgentSessionID: r.AgentSessionID,
		Status:         r.status,
		StartedAt:      r.CreatedAt,
		EndedAt:        r.finishedAt,
		ExitCode:       r.exitCode,
		Error:          r.errText,
	}
}

// markRunning records the spawned worker. It returns false if the run left
// starting while the worker was being spawned: it was aborted, or the worker
// already exited.
func (r *Run) markRunning(proc Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != domain.RunStatusStarting {
		return false
	}
	r.status = domain.RunStatusRunning
	r.proc = proc
	r.pid = proc.PID()
	return true
}

// abort moves an active run to error and hands back its worker, if any.
// It reports false when the run is not active.
func (r *Run) abort() (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.status.IsActive() {
		return nil, false
	}
	now := time.Now()
	r.status = domain.RunStatusError
	r.finishedAt = &now
	r.errText = "aborted"
	r.aborted = true
	return r.proc, true
}

func (r *Run) wasAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// exit records the worker's exit. It reports whether this moved the run to
// a terminal status; an aborted run keeps its status and only gains the
// exit code.
func (r *Run) exit(exitCode int, errText string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.proc = nil
	r.exitCode = exitCode
	if r.status.IsTerminal() {
		return false
	}
	now := time.Now()
	r.finishedAt = &now
	if errText != "" {
		r.status = domain.RunStatusError
		r.errText = errText
	} else {
		r.status = domain.RunStatusDone
	}
	return true
}

// accumulate folds a worker event into the assistant message. It returns the
// messages that should be saved now.
func (r *Run) accumulate(evt domain.WorkerEvent, interval time.Duration) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch evt.Type {
	case domain.EventTypeTextDelta:
		r.text.WriteString(evt.Delta)
		r.dirty = true
	case domain.EventTypeReasoningDelta:
		r.reasoning.WriteString(evt.Delta)
		r.dirty = true
	case domain.EventTypeMessage:
		if evt.ID == "" {
			return nil
		}
		role := evt.Role
		if role == "" {
			role = domain.RoleAssistant
		}
		return []domain.Message{{
			MessageID: evt.ID,
			SessionID: r.SessionID,
			RunID:     r.ID,
			Role:      role,
			Content:   evt.Content,
		}}
	default:
		return nil
	}

	if !r.dirty || time.Since(r.lastSave) < interval {
		return nil
	}
	return []domain.Message{r.snapshotLocked()}
}

// flushAssistant returns the final assistant snapshot if anything changed
// since the last save.
func (r *Run) flushAssistant() (domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return domain.Message{}, false
	}
	return r.snapshotLocked(), true
}

func (r *Run) snapshotLocked() domain.Message {
	r.dirty = false
	r.lastSave = time.Now()
	return domain.Message{
		MessageID: r.assistantID,
		SessionID: r.SessionID,
		RunID:     r.ID,
		Role:      domain.RoleAssistant,
		Content:   r.text.String(),
		Reasoning: r.reasoning.String(),
		CreatedAt: r.CreatedAt,
	}
}
