// Package domain defines the core domain models for the chat run pipeline.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusStarting RunStatus = "starting"
	RunStatusRunning  RunStatus = "running"
	RunStatusDone     RunStatus = "done"
	RunStatusError    RunStatus = "error"
)

// IsTerminal reports whether no further transitions can happen from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusDone || s == RunStatusError
}

// IsActive reports whether a run in status s still owns a worker.
func (s RunStatus) IsActive() bool {
	return s == RunStatusStarting || s == RunStatusRunning
}

// EventType is the "type" field of a worker event.
// The pipeline forwards every type untouched; the known ones below are only
// inspected to accumulate the assistant message for persistence.
type EventType string

const (
	EventTypeTextDelta           EventType = "text-delta"
	EventTypeReasoningDelta      EventType = "reasoning-delta"
	EventTypeToolInputStart      EventType = "tool-input-start"
	EventTypeToolInputDelta      EventType = "tool-input-delta"
	EventTypeToolOutputAvailable EventType = "tool-output-available"
	EventTypeMessageMetadata     EventType = "message-metadata"
	EventTypeMessage             EventType = "message"
	EventTypeError               EventType = "error"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
