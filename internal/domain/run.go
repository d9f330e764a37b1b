package domain

import "time"

// RunInfo is a point-in-time view of a run held by the ledger.
type RunInfo struct {
	RunID          string     `json:"runId"`
	SessionID      string     `json:"sessionId"`
	AgentSessionID string     `json:"agentSessionId,omitempty"`
	Status         RunStatus  `json:"status"`
	PID            int        `json:"pid,omitempty"`
	EventCount     uint64     `json:"eventCount"`
	Subscribers    int        `json:"subscribers"`
	CreatedAt      time.Time  `json:"createdAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// RunRecord is the durable history entry of a run.
type RunRecord struct {
	RunID          string     `json:"runId"`
	SessionID      string     `json:"sessionId"`
	AgentSessionID string     `json:"agentSessionId,omitempty"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	ExitCode       int        `json:"exitCode"`
	Error          string     `json:"error,omitempty"`
}

// Session represents a conversation session.
type Session struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message represents a single finalized (or in-progress) message in a session.
// MessageID is the upsert key: writing the same id twice replaces the entry.
type Message struct {
	MessageID string    `json:"id"`
	SessionID string    `json:"sessionId"`
	RunID     string    `json:"runId,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
