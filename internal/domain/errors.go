package domain

import "errors"

var (
	// ErrConflict is returned when a session already has an active run.
	ErrConflict = errors.New("run already active for session")
	// ErrRunNotFound is returned when no run (active or in grace period) exists.
	ErrRunNotFound = errors.New("run not found")
	// ErrSessionNotFound is returned when nothing has been stored for a session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrWorkerSpawn is returned when the worker process cannot be started.
	ErrWorkerSpawn = errors.New("failed to spawn worker")
	// ErrCapacity is returned when the server runs its maximum number of workers.
	ErrCapacity = errors.New("too many active runs")
	// ErrPolicyDenied is returned when the admission policy rejects a start request.
	ErrPolicyDenied = errors.New("run denied by policy")
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
)
