package domain

// StartRequest is the body of POST /api/chat.
type StartRequest struct {
	SessionID      string `json:"sessionId"`
	Message        string `json:"message"`
	MessageID      string `json:"messageId,omitempty"`
	AgentSessionID string `json:"agentSessionId,omitempty"`
}

// StopRequest is the body of POST /api/chat/stop.
type StopRequest struct {
	SessionID string `json:"sessionId"`
}

// StopResponse reports whether a run was found and signalled.
type StopResponse struct {
	SessionID string `json:"sessionId"`
	Aborted   bool   `json:"aborted"`
}

// StatusResponse is the body of GET /api/chat/status.
type StatusResponse struct {
	SessionID string    `json:"sessionId"`
	Active    bool      `json:"active"`
	Status    RunStatus `json:"status"`
	RunID     string    `json:"runId,omitempty"`
}

// SaveMessagesRequest is the client-side save of finalized messages.
type SaveMessagesRequest struct {
	Messages []Message `json:"messages"`
}

// WorkerInput is written as one JSON line to the worker's stdin.
type WorkerInput struct {
	SessionID      string `json:"sessionId"`
	Message        string `json:"message"`
	AgentSessionID string `json:"agentSessionId,omitempty"`
}
