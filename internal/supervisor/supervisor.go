// Package supervisor owns the lifecycle of out-of-process agent workers.
//
// A worker is started detached from any request context in its own process
// group. Its stdout is read as newline-delimited JSON events and its exit is
// reported once all output has been consumed. Only Terminate stops a worker.
package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/xiaot623/crmweb/internal/domain"
)

// DefaultTerminateTimeout bounds how long a gracefully terminated worker may
// take to exit before it is killed.
const DefaultTerminateTimeout = 5 * time.Second

const maxLineSize = 4 * 1024 * 1024

// Config describes how workers are launched.
type Config struct {
	Command          string
	Args             []string
	Dir              string
	Env              []string
	TerminateTimeout time.Duration
}

// Request is the input of one worker run.
type Request struct {
	SessionID      string
	Message        string
	AgentSessionID string
}

// Output receives a worker's events and its exit. OnEvent is called from a
// single goroutine in output order; OnExit is called once, after the last
// OnEvent, with the exit code (-1 when the worker was killed by a signal)
// and the wait error.
type Output struct {
	OnEvent func(data json.RawMessage)
	OnExit  func(code int, err error)
}

// Supervisor spawns workers.
type Supervisor struct {
	cfg Config
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = DefaultTerminateTimeout
	}
	return &Supervisor{cfg: cfg}
}

// Spawn starts a worker for req. Failing to start is reported synchronously
// and wraps domain.ErrWorkerSpawn; nothing is running in that case.
func (s *Supervisor) Spawn(req Request, out Output) (*Worker, error) {
	if s.cfg.Command == "" {
		return nil, fmt.Errorf("%w: no worker command configured", domain.ErrWorkerSpawn)
	}

	input, err := json.Marshal(domain.WorkerInput{
		SessionID:      req.SessionID,
		Message:        req.Message,
		AgentSessionID: req.AgentSessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal input: %v", domain.ErrWorkerSpawn, err)
	}

	// #nosec G204 -- command comes from server configuration, not the request
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"CRM_SESSION_ID="+req.SessionID,
		"CRM_AGENT_SESSION_ID="+req.AgentSessionID,
	)
	cmd.Stdin = bytes.NewReader(append(input, '\n'))
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", domain.ErrWorkerSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", domain.ErrWorkerSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrWorkerSpawn, err)
	}

	w := &Worker{
		cmd:              cmd,
		sessionID:        req.SessionID,
		terminateTimeout: s.cfg.TerminateTimeout,
		done:             make(chan struct{}),
	}
	slog.Info("worker started", "subsystem", "supervisor", "session_id", req.SessionID, "pid", w.PID())

	go w.run(stdout, stderr, out)
	return w, nil
}

// Worker is a running worker process.
type Worker struct {
	cmd              *exec.Cmd
	sessionID        string
	terminateTimeout time.Duration

	done chan struct{} // closed after OnExit returned

	mu        sync.Mutex
	killTimer *time.Timer
}

// PID returns the worker's process id.
func (w *Worker) PID() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Terminate stops the worker. A graceful stop sends SIGTERM to the worker's
// process group and escalates to SIGKILL after the terminate timeout; a
// non-graceful stop kills immediately. Calling it on an exited worker is a
// no-op.
func (w *Worker) Terminate(graceful bool) {
	select {
	case <-w.done:
		return
	default:
	}

	if !graceful {
		w.signal(sigKill)
		return
	}

	w.signal(sigTerm)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.killTimer != nil {
		return
	}
	w.killTimer = time.AfterFunc(w.terminateTimeout, func() {
		select {
		case <-w.done:
		default:
			slog.Warn("worker ignored SIGTERM, killing", "subsystem", "supervisor", "session_id", w.sessionID, "pid", w.PID())
			w.signal(sigKill)
		}
	})
}

func (w *Worker) signal(sig processSignal) {
	if err := signalGroup(w.cmd, sig); err != nil {
		slog.Debug("failed to signal worker", "subsystem", "supervisor", "session_id", w.sessionID, "pid", w.PID(), "error", err)
	}
}

// run consumes the worker's output and reports its exit.
func (w *Worker) run(stdout, stderr io.ReadCloser, out Output) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.logStderr(stderr)
	}()

	w.readEvents(stdout, out.OnEvent)
	wg.Wait()

	err := w.cmd.Wait()
	code := -1
	if w.cmd.ProcessState != nil {
		code = w.cmd.ProcessState.ExitCode()
	}

	w.mu.Lock()
	if w.killTimer != nil {
		w.killTimer.Stop()
	}
	w.mu.Unlock()

	slog.Info("worker exited", "subsystem", "supervisor", "session_id", w.sessionID, "pid", w.PID(), "exit_code", code, "error", err)

	if out.OnExit != nil {
		out.OnExit(code, err)
	}
	close(w.done)
}

// readEvents forwards every JSON object line on stdout. Anything else is
// logged and skipped. The pipe is always drained to EOF so the worker never
// blocks on a full stdout.
func (w *Worker) readEvents(stdout io.Reader, onEvent func(json.RawMessage)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineCount := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		lineCount++
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' || !json.Valid(line) {
			slog.Debug("skipping non-JSON worker output", "subsystem", "supervisor", "session_id", w.sessionID, "line", string(line[:min(100, len(line))]))
			continue
		}
		if onEvent != nil {
			data := make(json.RawMessage, len(line))
			copy(data, line)
			onEvent(data)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("worker stdout scanner error", "subsystem", "supervisor", "session_id", w.sessionID, "line", lineCount, "error", err)
		_, _ = io.Copy(io.Discard, stdout)
	}
}

func (w *Worker) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		slog.Debug("worker stderr", "subsystem", "supervisor", "session_id", w.sessionID, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, stderr)
	}
}
