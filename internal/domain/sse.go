package domain

import (
	"encoding/json"
	"time"
)

// Event is one entry of a run's ordered event stream.
// Data is the raw JSON object produced by the worker and is what clients see.
type Event struct {
	Seq  uint64          `json:"seq"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
	Ts   time.Time       `json:"ts"`
}

// WorkerEvent is the subset of worker event fields the pipeline looks at.
type WorkerEvent struct {
	Type      EventType `json:"type"`
	Delta     string    `json:"delta,omitempty"`
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	ErrorText string    `json:"errorText,omitempty"`
}

// ParseWorkerEvent decodes the fields of a worker event used for persistence.
func ParseWorkerEvent(data []byte) (WorkerEvent, error) {
	var evt WorkerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return WorkerEvent{}, err
	}
	return evt, nil
}

// ErrorEvent builds the event published when a worker fails.
func ErrorEvent(text string) json.RawMessage {
	data, _ := json.Marshal(WorkerEvent{Type: EventTypeError, ErrorText: text})
	return data
}
